package normalize

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTable(t *testing.T) *param.Table {
	t.Helper()
	table, err := param.NewTable([]param.Channel{
		{ID: "ParamEyeLOpen", Min: 0, Max: 1, Default: 1},
		{ID: "ParamMouthForm", Min: -1, Max: 1, Default: 0},
	})
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	return table
}

func TestNormalizeWholeTextJSON(t *testing.T) {
	raw := `{"label":"smile","parameters":{"ParamMouthForm":0.8},"duration":500}`
	expr, err := Normalize(raw, testTable(t), testLogger())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if expr.Label != "smile" {
		t.Fatalf("label = %q", expr.Label)
	}
	if got := expr.Parameters["ParamMouthForm"]; got != 0.8 {
		t.Fatalf("value = %v", got)
	}
	if expr.Duration != 500*time.Millisecond {
		t.Fatalf("duration = %v", expr.Duration)
	}
}

func TestNormalizeFencedBlock(t *testing.T) {
	raw := "Here you go!\n```json\n{\"parameters\":{\"ParamEyeLOpen\":0.2}}\n```\nHope that helps."
	expr, err := Normalize(raw, testTable(t), testLogger())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := expr.Parameters["ParamEyeLOpen"]; got != 0.2 {
		t.Fatalf("value = %v", got)
	}
	if expr.Label != DefaultLabel {
		t.Fatalf("label = %q, want default", expr.Label)
	}
	if expr.Duration != DefaultDuration {
		t.Fatalf("duration = %v, want default", expr.Duration)
	}
}

func TestNormalizeEmbeddedBraces(t *testing.T) {
	raw := `Sure: the settings {not json} then {"parameters":{"ParamMouthForm":-0.5}} as requested.`
	expr, err := Normalize(raw, testTable(t), testLogger())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := expr.Parameters["ParamMouthForm"]; got != -0.5 {
		t.Fatalf("value = %v", got)
	}
}

func TestNormalizeDegradesBadEntries(t *testing.T) {
	raw := `{"parameters":{"ParamEyeLOpen":5,"ParamMouthForm":"x","ParamNope":1},"duration":-10}`
	expr, err := Normalize(raw, testTable(t), testLogger())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(expr.Parameters) != 1 {
		t.Fatalf("parameters = %v, want only the clamped survivor", expr.Parameters)
	}
	if got := expr.Parameters["ParamEyeLOpen"]; got != 1 {
		t.Fatalf("out-of-range value = %v, want clamp to 1", got)
	}
	if expr.Duration != DefaultDuration {
		t.Fatalf("negative duration = %v, want default", expr.Duration)
	}
}

func TestNormalizeUnparsable(t *testing.T) {
	for _, raw := range []string{
		"just a friendly sentence",
		"unbalanced { brace",
		`{"reply":"no parameters key"}`,
		"",
	} {
		if _, err := Normalize(raw, testTable(t), testLogger()); !errors.Is(err, ErrUnparsable) {
			t.Fatalf("%q: got %v, want ErrUnparsable", raw, err)
		}
	}
}

func TestNormalizeIsIdempotentOnItsOwnOutput(t *testing.T) {
	raw := `{"label":"wink","parameters":{"ParamEyeLOpen":0.1},"duration":300}`
	first, err := Normalize(raw, testTable(t), testLogger())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	// Feeding the sanitized values back through changes nothing.
	again := SanitizeValues(first.Parameters, testTable(t), testLogger())
	if len(again) != len(first.Parameters) {
		t.Fatalf("second pass dropped entries: %v vs %v", again, first.Parameters)
	}
	for id, v := range first.Parameters {
		if again[id] != v {
			t.Fatalf("second pass changed %s: %v -> %v", id, v, again[id])
		}
	}
}

func TestNormalizeAcceptsQuotedNumbers(t *testing.T) {
	raw := `{"parameters":{"ParamMouthForm":"0.5"},"duration":"250"}`
	expr, err := Normalize(raw, testTable(t), testLogger())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := expr.Parameters["ParamMouthForm"]; got != 0.5 {
		t.Fatalf("value = %v", got)
	}
	if expr.Duration != 250*time.Millisecond {
		t.Fatalf("duration = %v", expr.Duration)
	}
}

func TestNormalizeExpressionFieldAsLabel(t *testing.T) {
	raw := `{"expression":"surprised","parameters":{"ParamEyeLOpen":1}}`
	expr, err := Normalize(raw, testTable(t), testLogger())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if expr.Label != "surprised" {
		t.Fatalf("label = %q", expr.Label)
	}
}

func TestSanitizeValuesFiltersAndClamps(t *testing.T) {
	values := map[string]float64{
		"ParamEyeLOpen":  3,
		"ParamNope":      1,
		"ParamMouthForm": -0.4,
	}
	out := SanitizeValues(values, testTable(t), testLogger())
	if len(out) != 2 {
		t.Fatalf("out = %v", out)
	}
	if out["ParamEyeLOpen"] != 1 {
		t.Fatalf("clamp failed: %v", out["ParamEyeLOpen"])
	}
	if out["ParamMouthForm"] != -0.4 {
		t.Fatalf("in-range value changed: %v", out["ParamMouthForm"])
	}
}

func TestSanitizeValuesNilTablePassesThrough(t *testing.T) {
	out := SanitizeValues(map[string]float64{"Anything": 2}, nil, testLogger())
	if out["Anything"] != 2 {
		t.Fatalf("nil table should not filter: %v", out)
	}
}
