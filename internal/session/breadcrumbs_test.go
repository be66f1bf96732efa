package session

import (
	"fmt"
	"testing"
)

func TestTrailLimitKeepsMostRecentInOrder(t *testing.T) {
	trail := NewTrail()
	for i := 0; i < 5; i++ {
		trail.Add("s", "script_engine", fmt.Sprintf("step_%d", i), nil, nil, nil)
	}

	got := trail.Get("s", "", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 breadcrumbs, got %d", len(got))
	}
	for i, want := range []string{"step_2", "step_3", "step_4"} {
		if got[i].Action != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].Action, want)
		}
	}
	if got[0].ID != "s_2" {
		t.Errorf("unexpected id %s", got[0].ID)
	}
	if all := trail.Get("s", "", 0); len(all) != 5 {
		t.Errorf("non-positive limit should return all, got %d", len(all))
	}
}

func TestTrailModuleFilter(t *testing.T) {
	trail := NewTrail()
	trail.Add("s", "guardrails", "validate", nil, nil, nil)
	trail.Add("s", "script_engine", "respond", nil, nil, nil)
	trail.Add("s", "guardrails", "validate", nil, nil, nil)

	if got := trail.Get("s", "guardrails", 10); len(got) != 2 {
		t.Errorf("expected 2 guardrail crumbs, got %d", len(got))
	}
	if got := trail.Get("unknown", "", 10); len(got) != 0 {
		t.Errorf("expected empty trail, got %d", len(got))
	}
}

func TestTrailSummary(t *testing.T) {
	clock := newTickingClock()
	trail := NewTrail(WithClock(clock.Now))
	for i := 0; i < 25; i++ {
		module := "script_engine"
		if i%5 == 0 {
			module = "anchors"
		}
		trail.Add("s", module, "act", nil, nil, nil)
	}

	summary := trail.Summary("s")
	if summary.Total != 25 || summary.Modules["anchors"] != 5 || summary.Modules["script_engine"] != 20 {
		t.Errorf("unexpected summary counts %+v", summary)
	}
	if len(summary.Timeline) != 20 {
		t.Errorf("expected 20 timeline entries, got %d", len(summary.Timeline))
	}
	if summary.First == nil || summary.Last == nil || !summary.Last.After(*summary.First) {
		t.Errorf("unexpected first/last %v %v", summary.First, summary.Last)
	}
	if empty := trail.Summary("none"); empty.Total != 0 || empty.First != nil {
		t.Errorf("unexpected empty summary %+v", empty)
	}
}

func TestTrailSearch(t *testing.T) {
	trail := NewTrail()
	trail.Add("s", "objections", "identify", map[string]interface{}{"type": "price"}, nil, nil)
	trail.Add("s", "script_engine", "respond", nil, "Precio especial", nil)
	trail.Add("s", "anchors", "Price check", nil, nil, nil)

	if got := trail.Search("s", "price", ""); len(got) != 2 {
		t.Errorf("expected matches in context and action, got %d", len(got))
	}
	if got := trail.Search("s", "precio", "script_engine"); len(got) != 1 {
		t.Errorf("expected result match, got %d", len(got))
	}
	if got := trail.Search("s", "precio", "anchors"); len(got) != 0 {
		t.Errorf("expected module filter to exclude, got %d", len(got))
	}
}

func TestModuleHistoryAcrossSessions(t *testing.T) {
	clock := newTickingClock()
	trail := NewTrail(WithClock(clock.Now))
	trail.Add("a", "guardrails", "one", nil, nil, nil)
	trail.Add("b", "guardrails", "two", nil, nil, nil)
	trail.Add("a", "other", "skip", nil, nil, nil)
	trail.Add("c", "guardrails", "three", nil, nil, nil)

	got := trail.ModuleHistory("guardrails", 2)
	if len(got) != 2 || got[0].Action != "two" || got[1].Action != "three" {
		t.Errorf("unexpected module history %+v", got)
	}
}

func TestTrailClear(t *testing.T) {
	trail := NewTrail()
	trail.Add("s", "m", "a", nil, nil, nil)
	trail.Add("s", "m", "b", nil, nil, nil)
	if n := trail.Clear("s"); n != 2 {
		t.Errorf("expected 2 cleared, got %d", n)
	}
	if got := trail.Get("s", "", 10); len(got) != 0 {
		t.Errorf("expected empty trail, got %d", len(got))
	}
	if c := trail.Add("s", "m", "c", nil, nil, nil); c.ID != "s_2" {
		t.Errorf("ids must not be reused after clear, got %s", c.ID)
	}
}
