// Package preset provides static named expressions usable without the
// generation service. Bundles are written in generic channel names and
// resolved to the loaded avatar's concrete ids through an alias table,
// since avatar authors name the same control inconsistently
// (ParamEyeLOpen vs ParamEyeL_Open vs EyeLOpen).
package preset

import (
	"sort"
	"time"

	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
	"github.com/nanlingyin/SoulLink-Live2D/internal/puppet"
)

// builtinAliases maps generic control names to the concrete channel ids
// seen across common avatars, in preference order.
var builtinAliases = map[string][]string{
	"eyeOpenL":   {"ParamEyeLOpen", "ParamEyeL_Open", "EyeLOpen"},
	"eyeOpenR":   {"ParamEyeROpen", "ParamEyeR_Open", "EyeROpen"},
	"eyeSmileL":  {"ParamEyeLSmile", "ParamEyeL_Smile", "EyeLSmile"},
	"eyeSmileR":  {"ParamEyeRSmile", "ParamEyeR_Smile", "EyeRSmile"},
	"eyeBallX":   {"ParamEyeBallX", "ParamEyeBall_X", "EyeBallX"},
	"eyeBallY":   {"ParamEyeBallY", "ParamEyeBall_Y", "EyeBallY"},
	"browLY":     {"ParamBrowLY", "ParamBrowL_Y", "BrowLY"},
	"browRY":     {"ParamBrowRY", "ParamBrowR_Y", "BrowRY"},
	"browLAngle": {"ParamBrowLAngle", "ParamBrowL_Angle", "BrowLAngle"},
	"browRAngle": {"ParamBrowRAngle", "ParamBrowR_Angle", "BrowRAngle"},
	"mouthOpen":  {"ParamMouthOpenY", "ParamMouth_OpenY", "MouthOpenY"},
	"mouthForm":  {"ParamMouthForm", "ParamMouth_Form", "MouthForm"},
	"cheek":      {"ParamCheek", "Cheek"},
	"angleX":     {"ParamAngleX", "ParamAngleX2", "AngleX"},
	"angleY":     {"ParamAngleY", "ParamAngleY2", "AngleY"},
	"angleZ":     {"ParamAngleZ", "AngleZ"},
	"bodyAngleX": {"ParamBodyAngleX", "BodyAngleX"},
	"bodyAngleY": {"ParamBodyAngleY", "BodyAngleY"},
	"bodyAngleZ": {"ParamBodyAngleZ", "BodyAngleZ"},
}

// Bundle is a preset expression in generic channel names.
type Bundle map[string]float64

var builtins = map[string]Bundle{
	"happy": {
		"eyeOpenL": 0.9, "eyeOpenR": 0.9,
		"eyeSmileL": 0.7, "eyeSmileR": 0.7,
		"mouthForm": 0.8,
		"browLY":    0.3, "browRY": 0.3,
	},
	"sad": {
		"eyeOpenL": 0.6, "eyeOpenR": 0.6,
		"eyeSmileL": 0, "eyeSmileR": 0,
		"mouthForm": -0.5,
		"browLY":    -0.5, "browRY": -0.5,
	},
	"angry": {
		"eyeOpenL": 0.8, "eyeOpenR": 0.8,
		"mouthForm": -0.3,
		"browLY":    -0.7, "browRY": -0.7,
		"browLAngle": -0.5, "browRAngle": -0.5,
	},
	"surprised": {
		"eyeOpenL": 1, "eyeOpenR": 1,
		"mouthOpen": 0.6,
		"browLY":    0.8, "browRY": 0.8,
	},
	"shy": {
		"eyeOpenL": 0.7, "eyeOpenR": 0.7,
		"eyeSmileL": 0.4, "eyeSmileR": 0.4,
		"mouthForm": 0.3,
		"cheek":     0.8,
		"angleZ":    -5,
	},
	"thinking": {
		"eyeOpenL": 0.8, "eyeOpenR": 0.8,
		"eyeBallX": 0.5, "eyeBallY": 0.3,
		"browLY":   0.2, "browRY": -0.1,
		"angleZ":   5,
	},
	"sleepy": {
		"eyeOpenL": 0.15, "eyeOpenR": 0.15,
		"browLY": -0.3, "browRY": -0.3,
		"mouthOpen": 0.1,
		"angleZ":    3,
	},
	"wink": {
		"eyeOpenL": 1, "eyeOpenR": 0,
		"eyeSmileR": 0.8,
		"mouthForm": 0.5,
	},
	"neutral": {
		"eyeOpenL": 1, "eyeOpenR": 1,
		"eyeSmileL": 0, "eyeSmileR": 0,
		"mouthForm": 0, "mouthOpen": 0,
		"browLY": 0, "browRY": 0,
	},
}

// Catalog resolves preset names against a declared channel table.
type Catalog struct {
	bundles         map[string]Bundle
	aliases         map[string][]string
	defaultDuration time.Duration
}

// NewCatalog builds the builtin catalog, merged with extra per-avatar
// aliases from configuration.
func NewCatalog(extraAliases map[string][]string, defaultDuration time.Duration) *Catalog {
	aliases := make(map[string][]string, len(builtinAliases)+len(extraAliases))
	for generic, ids := range builtinAliases {
		aliases[generic] = append([]string(nil), ids...)
	}
	for generic, ids := range extraAliases {
		aliases[generic] = append(ids, aliases[generic]...)
	}
	return &Catalog{
		bundles:         builtins,
		aliases:         aliases,
		defaultDuration: defaultDuration,
	}
}

// Names lists the available presets in stable order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.bundles))
	for name := range c.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// findChannel maps one generic name to a declared channel id.
func (c *Catalog) findChannel(generic string, table *param.Table) (string, bool) {
	for _, id := range c.aliases[generic] {
		if _, ok := table.Lookup(id); ok {
			return id, true
		}
	}
	// Some avatars use the generic name directly.
	if _, ok := table.Lookup(generic); ok {
		return generic, true
	}
	return "", false
}

// Resolve maps a preset to the concrete channels the loaded avatar
// declares. Channels with no declared counterpart are dropped; the
// returned set may be empty and the caller decides whether that is an
// error.
func (c *Catalog) Resolve(name string, table *param.Table) (map[string]float64, bool) {
	bundle, ok := c.bundles[name]
	if !ok {
		return nil, false
	}
	params := make(map[string]float64, len(bundle))
	for generic, v := range bundle {
		if id, ok := c.findChannel(generic, table); ok {
			params[id] = v
		}
	}
	return params, true
}

// Expression resolves a preset into a ready-to-apply expression.
func (c *Catalog) Expression(name string, table *param.Table, duration time.Duration) (puppet.Expression, bool) {
	params, ok := c.Resolve(name, table)
	if !ok {
		return puppet.Expression{}, false
	}
	if duration <= 0 {
		duration = c.defaultDuration
	}
	return puppet.Expression{
		Label:      name,
		Parameters: params,
		Duration:   duration,
		AutoReset:  false,
	}, true
}
