package preset

import (
	"testing"
	"time"

	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
)

func tableWith(t *testing.T, channels ...param.Channel) *param.Table {
	t.Helper()
	table, err := param.NewTable(channels)
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	return table
}

func TestResolvePrefersFirstDeclaredAlias(t *testing.T) {
	c := NewCatalog(nil, 800*time.Millisecond)
	table := tableWith(t,
		param.Channel{ID: "ParamEyeL_Open", Min: 0, Max: 1, Default: 1},
		param.Channel{ID: "EyeLOpen", Min: 0, Max: 1, Default: 1},
		param.Channel{ID: "ParamMouthForm", Min: -1, Max: 1, Default: 0},
	)

	params, ok := c.Resolve("happy", table)
	if !ok {
		t.Fatalf("happy should be a builtin")
	}
	// ParamEyeLOpen is not declared, so the second alias wins over the third.
	if _, ok := params["ParamEyeL_Open"]; !ok {
		t.Fatalf("expected ParamEyeL_Open in %v", params)
	}
	if _, ok := params["EyeLOpen"]; ok {
		t.Fatalf("lower-priority alias also resolved: %v", params)
	}
	if v, ok := params["ParamMouthForm"]; !ok || v != 0.8 {
		t.Fatalf("mouthForm = %v (ok=%v)", v, ok)
	}
}

func TestResolveGenericNameDirectly(t *testing.T) {
	c := NewCatalog(nil, 800*time.Millisecond)
	table := tableWith(t, param.Channel{ID: "mouthForm", Min: -1, Max: 1, Default: 0})
	params, ok := c.Resolve("sad", table)
	if !ok {
		t.Fatalf("sad should be a builtin")
	}
	if v, ok := params["mouthForm"]; !ok || v != -0.5 {
		t.Fatalf("generic-name fallback failed: %v", params)
	}
}

func TestResolveUnknownPreset(t *testing.T) {
	c := NewCatalog(nil, 800*time.Millisecond)
	table := tableWith(t, param.Channel{ID: "ParamMouthForm", Min: -1, Max: 1, Default: 0})
	if _, ok := c.Resolve("glee", table); ok {
		t.Fatalf("unknown preset should not resolve")
	}
}

func TestResolveMayReturnEmptySet(t *testing.T) {
	c := NewCatalog(nil, 800*time.Millisecond)
	table := tableWith(t, param.Channel{ID: "ParamTail", Min: 0, Max: 1, Default: 0})
	params, ok := c.Resolve("happy", table)
	if !ok {
		t.Fatalf("known preset must resolve even with no matching channels")
	}
	if len(params) != 0 {
		t.Fatalf("expected empty set, got %v", params)
	}
}

func TestConfiguredAliasesTakePrecedence(t *testing.T) {
	c := NewCatalog(map[string][]string{
		"mouthForm": {"CustomMouth"},
	}, 800*time.Millisecond)
	table := tableWith(t,
		param.Channel{ID: "CustomMouth", Min: -1, Max: 1, Default: 0},
		param.Channel{ID: "ParamMouthForm", Min: -1, Max: 1, Default: 0},
	)
	params, _ := c.Resolve("happy", table)
	if _, ok := params["CustomMouth"]; !ok {
		t.Fatalf("configured alias should win: %v", params)
	}
	if _, ok := params["ParamMouthForm"]; ok {
		t.Fatalf("builtin alias resolved despite configured override: %v", params)
	}
}

func TestExpressionDefaultsDuration(t *testing.T) {
	c := NewCatalog(nil, 650*time.Millisecond)
	table := tableWith(t, param.Channel{ID: "ParamMouthForm", Min: -1, Max: 1, Default: 0})

	expr, ok := c.Expression("happy", table, 0)
	if !ok {
		t.Fatalf("happy should resolve")
	}
	if expr.Duration != 650*time.Millisecond {
		t.Fatalf("duration = %v, want catalog default", expr.Duration)
	}
	if expr.Label != "happy" {
		t.Fatalf("label = %q", expr.Label)
	}

	expr, _ = c.Expression("happy", table, 200*time.Millisecond)
	if expr.Duration != 200*time.Millisecond {
		t.Fatalf("explicit duration lost: %v", expr.Duration)
	}
}

func TestNamesAreSorted(t *testing.T) {
	c := NewCatalog(nil, 800*time.Millisecond)
	names := c.Names()
	if len(names) == 0 {
		t.Fatalf("no presets registered")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
	found := false
	for _, n := range names {
		if n == "neutral" {
			found = true
		}
	}
	if !found {
		t.Fatalf("neutral missing from %v", names)
	}
}
