// Package easing provides the time-normalization curves used by
// transitions. Every function maps progress in [0,1] to an eased value;
// all are deterministic and side-effect free, and every curve maps 0 to 0
// and 1 to 1 so a finished transition always lands exactly on its target.
package easing

import "math"

// Func maps normalized elapsed time to normalized progress.
type Func func(t float64) float64

// DefaultName is used when a requested curve is unknown.
const DefaultName = "easeInOutCubic"

var curves = map[string]Func{
	"linear":        func(t float64) float64 { return t },
	"easeInQuad":    func(t float64) float64 { return t * t },
	"easeOutQuad":   func(t float64) float64 { return t * (2 - t) },
	"easeInOutQuad": easeInOutQuad,
	"easeInCubic":   func(t float64) float64 { return t * t * t },
	"easeOutCubic": func(t float64) float64 {
		u := t - 1
		return u*u*u + 1
	},
	"easeInOutCubic": easeInOutCubic,
	"easeInOutSine": func(t float64) float64 {
		return -(math.Cos(math.Pi*t) - 1) / 2
	},
	"easeOutBounce": easeOutBounce,
}

func easeInOutQuad(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	return -1 + (4-2*t)*t
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	u := 2*t - 2
	return 1 + u*u*u/2
}

func easeOutBounce(t float64) float64 {
	const n1, d1 = 7.5625, 2.75
	switch {
	case t < 1/d1:
		return n1 * t * t
	case t < 2/d1:
		t -= 1.5 / d1
		return n1*t*t + 0.75
	case t < 2.5/d1:
		t -= 2.25 / d1
		return n1*t*t + 0.9375
	default:
		t -= 2.625 / d1
		return n1*t*t + 0.984375
	}
}

// Lookup returns the named curve.
func Lookup(name string) (Func, bool) {
	f, ok := curves[name]
	return f, ok
}

// Resolve returns the named curve, falling back to fallbackName and
// finally to the package default for unknown names.
func Resolve(name, fallbackName string) Func {
	if f, ok := curves[name]; ok {
		return f
	}
	if f, ok := curves[fallbackName]; ok {
		return f
	}
	return curves[DefaultName]
}

// Names lists the registered curve names.
func Names() []string {
	out := make([]string, 0, len(curves))
	for name := range curves {
		out = append(out, name)
	}
	return out
}
