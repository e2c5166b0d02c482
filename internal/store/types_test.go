package store

import (
	"testing"
)

func TestKwargsHash_Deterministic(t *testing.T) {
	a := map[string]any{"period_type": "yesterday", "market": "prime"}
	b := map[string]any{"market": "prime", "period_type": "yesterday"}

	if KwargsHash(a) != KwargsHash(b) {
		t.Error("hash must not depend on key insertion order")
	}
	if KwargsHash(a) == KwargsHash(map[string]any{"period_type": "30days"}) {
		t.Error("different kwargs should hash differently")
	}
	if got := KwargsHash(nil); got == "" {
		t.Error("nil kwargs should still produce a stable hash")
	}
	if KwargsHash(nil) != KwargsHash(nil) {
		t.Error("nil hash unstable")
	}
}

func TestAutoName(t *testing.T) {
	name := AutoName("fetch_listed_info", map[string]any{"period_type": "yesterday"}, "0 9 * * *")
	if name == "" {
		t.Fatal("empty auto name")
	}

	same := AutoName("fetch_listed_info", map[string]any{"period_type": "yesterday"}, "0 9 * * *")
	if name != same {
		t.Error("auto name must be deterministic")
	}

	other := AutoName("fetch_listed_info", map[string]any{"period_type": "30days"}, "0 9 * * *")
	if name == other {
		t.Error("different kwargs should yield different names")
	}
}

func TestSchedule_CloneIsolation(t *testing.T) {
	s := &Schedule{
		Name:   "daily",
		Args:   []any{"a"},
		Kwargs: map[string]any{"k": "v"},
		Tags:   []string{"t1"},
	}

	c := s.Clone()
	c.Args[0] = "mutated"
	c.Kwargs["k"] = "mutated"
	c.Tags[0] = "mutated"

	if s.Args[0] != "a" || s.Kwargs["k"] != "v" || s.Tags[0] != "t1" {
		t.Errorf("clone shares state with original: %+v", s)
	}
}

func TestExecutionPolicy_Valid(t *testing.T) {
	for _, p := range []ExecutionPolicy{PolicyAllow, PolicySkip, PolicyQueue} {
		if !p.Valid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if ExecutionPolicy("parallel").Valid() {
		t.Error("unknown policy should be invalid")
	}
}

func TestLogStatus_Terminal(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Error("running is not terminal")
	}
	for _, s := range []LogStatus{StatusSuccess, StatusFailed, StatusSkipped} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
}
