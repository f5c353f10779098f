package param

import "testing"

func testChannels() []Channel {
	return []Channel{
		{ID: "ParamEyeLOpen", Name: "Left Eye Open", Min: 0, Max: 1, Default: 1},
		{ID: "ParamMouthForm", Name: "Mouth Form", Min: -1, Max: 1, Default: 0},
		{ID: "ParamAngleX", Name: "Head Angle X", Min: -30, Max: 30, Default: 0},
	}
}

func TestNewTableRejectsInvalidChannel(t *testing.T) {
	_, err := NewTable([]Channel{{ID: "Bad", Min: 1, Max: 0, Default: 0}})
	if err == nil {
		t.Fatalf("expected error for min > max")
	}
	_, err = NewTable([]Channel{{ID: "Bad", Min: 0, Max: 1, Default: 2}})
	if err == nil {
		t.Fatalf("expected error for default outside range")
	}
	_, err = NewTable([]Channel{{Min: 0, Max: 1, Default: 0}})
	if err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestTableLookup(t *testing.T) {
	table, err := NewTable(testChannels())
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("expected 3 channels, got %d", table.Len())
	}
	ch, ok := table.Lookup("ParamMouthForm")
	if !ok {
		t.Fatalf("expected ParamMouthForm to be declared")
	}
	if ch.Min != -1 || ch.Max != 1 {
		t.Fatalf("unexpected range: [%v, %v]", ch.Min, ch.Max)
	}
	if _, ok := table.Lookup("ParamNope"); ok {
		t.Fatalf("undeclared channel should not resolve")
	}
}

func TestChannelClamp(t *testing.T) {
	ch := Channel{ID: "ParamAngleX", Min: -30, Max: 30, Default: 0}
	if got := ch.Clamp(45); got != 30 {
		t.Fatalf("clamp above max: got %v", got)
	}
	if got := ch.Clamp(-100); got != -30 {
		t.Fatalf("clamp below min: got %v", got)
	}
	if got := ch.Clamp(12.5); got != 12.5 {
		t.Fatalf("in-range value changed: got %v", got)
	}
}

func TestStoreSeedsDefaults(t *testing.T) {
	table, err := NewTable(testChannels())
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	store := NewStore(table)
	v, ok := store.GetValue("ParamEyeLOpen")
	if !ok || v != 1 {
		t.Fatalf("expected default 1, got %v (ok=%v)", v, ok)
	}
}

func TestStoreSetClampsAndIgnoresUnknown(t *testing.T) {
	table, err := NewTable(testChannels())
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	store := NewStore(table)

	store.SetValue("ParamMouthForm", 5)
	if v, _ := store.GetValue("ParamMouthForm"); v != 1 {
		t.Fatalf("expected clamp to 1, got %v", v)
	}

	store.SetValue("ParamNope", 0.5)
	if _, ok := store.GetValue("ParamNope"); ok {
		t.Fatalf("unknown channel should not appear in the store")
	}
}

func TestStoreResetReplacesTable(t *testing.T) {
	table, err := NewTable(testChannels())
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	store := NewStore(table)
	store.SetValue("ParamAngleX", 15)

	next, err := NewTable([]Channel{{ID: "ParamBreath", Min: 0, Max: 1, Default: 0.5}})
	if err != nil {
		t.Fatalf("build next table: %v", err)
	}
	store.Reset(next)

	if _, ok := store.GetValue("ParamAngleX"); ok {
		t.Fatalf("old channel survived reset")
	}
	if v, ok := store.GetValue("ParamBreath"); !ok || v != 0.5 {
		t.Fatalf("new channel not seeded: %v (ok=%v)", v, ok)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	table, err := NewTable(testChannels())
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	store := NewStore(table)
	snap := store.Snapshot()
	snap["ParamEyeLOpen"] = 0
	if v, _ := store.GetValue("ParamEyeLOpen"); v != 1 {
		t.Fatalf("mutating snapshot changed the store")
	}
}
