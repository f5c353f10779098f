// Package normalize turns free-form generated text into a bounded, typed
// expression. Generation output is close to JSON but rarely exact, so
// extraction is deliberately lax: the first parse that succeeds, in a
// fixed fallback order, wins.
package normalize

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
	"github.com/nanlingyin/SoulLink-Live2D/internal/puppet"
)

// ErrUnparsable reports text in which no parameter payload was found.
var ErrUnparsable = errors.New("response contains no parsable parameter payload")

// DefaultDuration substitutes a missing or invalid duration field.
const DefaultDuration = 800 * time.Millisecond

// DefaultLabel names expressions whose payload has no label.
const DefaultLabel = "unnamed expression"

// Payload is the JSON shape expected inside generation output. Label and
// duration are forgiven when absent or wrong; parameters are required.
type Payload struct {
	Label      string                     `json:"label"`
	Expression string                     `json:"expression"`
	Parameters map[string]json.RawMessage `json:"parameters"`
	Duration   json.RawMessage            `json:"duration"`
	Easing     string                     `json:"easing"`
}

// Normalize extracts a parameter payload from raw text and sanitizes it
// against the declared channel table. Extraction tries, in order: the
// whole text as JSON, the contents of a fenced code block, and the first
// balanced brace span. Once a payload parses, the result is always
// usable; bad entries degrade individually instead of failing the whole
// expression.
func Normalize(raw string, table *param.Table, logger *slog.Logger) (puppet.Expression, error) {
	payload, ok := extract(raw)
	if !ok {
		return puppet.Expression{}, ErrUnparsable
	}
	return Sanitize(payload, table, logger), nil
}

func extract(raw string) (Payload, bool) {
	raw = strings.TrimSpace(raw)
	if p, ok := parsePayload(raw); ok {
		return p, true
	}
	if block, ok := fencedBlock(raw); ok {
		if p, ok := parsePayload(block); ok {
			return p, true
		}
	}
	rest := raw
	for {
		span, next, ok := balancedBraces(rest)
		if !ok {
			return Payload{}, false
		}
		if p, ok := parsePayload(span); ok {
			return p, true
		}
		rest = rest[next:]
	}
}

func parsePayload(text string) (Payload, bool) {
	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Payload{}, false
	}
	if p.Parameters == nil {
		return Payload{}, false
	}
	return p, true
}

// fencedBlock returns the contents of the first ``` fence, with any
// language tag on the opening line stripped.
func fencedBlock(raw string) (string, bool) {
	open := strings.Index(raw, "```")
	if open < 0 {
		return "", false
	}
	body := raw[open+3:]
	end := strings.Index(body, "```")
	if end < 0 {
		return "", false
	}
	body = body[:end]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag != "" && !strings.ContainsAny(tag, "{}") {
			body = body[nl+1:]
		}
	}
	return strings.TrimSpace(body), true
}

// balancedBraces finds the first balanced {...} span, honoring strings
// and escapes. It also returns the offset just past the opening brace so
// the caller can resume scanning after a failed parse.
func balancedBraces(raw string) (span string, resume int, ok bool) {
	open := strings.IndexByte(raw, '{')
	if open < 0 {
		return "", 0, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[open : i+1], open + 1, true
			}
		}
	}
	return "", 0, false
}

// Sanitize validates a parsed payload against the declared table:
// unknown channels and non-numeric values are dropped with a warning,
// in-range is enforced by clamping, and label/duration fall back to
// defaults. With a nil table, channel ids pass through unfiltered.
func Sanitize(payload Payload, table *param.Table, logger *slog.Logger) puppet.Expression {
	params := make(map[string]float64, len(payload.Parameters))
	for id, rawValue := range payload.Parameters {
		v, ok := coerceNumber(rawValue)
		if !ok {
			logger.Warn("dropping non-numeric parameter value", slog.String("channel", id))
			continue
		}
		if table != nil {
			c, declared := table.Lookup(id)
			if !declared {
				logger.Warn("dropping undeclared channel", slog.String("channel", id))
				continue
			}
			v = c.Clamp(v)
		}
		params[id] = v
	}

	label := payload.Label
	if label == "" {
		label = payload.Expression
	}
	if label == "" {
		label = DefaultLabel
	}

	return puppet.Expression{
		Label:      label,
		Parameters: params,
		Duration:   sanitizeDuration(payload.Duration, logger),
		Easing:     payload.Easing,
	}
}

// SanitizeValues applies the table bounds to an already-structured
// parameter map, e.g. one carried by a chat_response message.
func SanitizeValues(values map[string]float64, table *param.Table, logger *slog.Logger) map[string]float64 {
	out := make(map[string]float64, len(values))
	for id, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			logger.Warn("dropping non-finite parameter value", slog.String("channel", id))
			continue
		}
		if table != nil {
			c, declared := table.Lookup(id)
			if !declared {
				logger.Warn("dropping undeclared channel", slog.String("channel", id))
				continue
			}
			v = c.Clamp(v)
		}
		out[id] = v
	}
	return out
}

func sanitizeDuration(raw json.RawMessage, logger *slog.Logger) time.Duration {
	if len(raw) == 0 {
		return DefaultDuration
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		// Some generators quote the number.
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			logger.Warn("dropping malformed duration field")
			return DefaultDuration
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			logger.Warn("dropping malformed duration field")
			return DefaultDuration
		}
		ms = parsed
	}
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		logger.Warn("replacing invalid duration", slog.Float64("duration_ms", ms))
		return DefaultDuration
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// coerceNumber accepts JSON numbers and numeric strings, rejecting
// non-finite results.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
