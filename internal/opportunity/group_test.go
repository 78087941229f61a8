package opportunity

import (
	"math"
	"testing"
	"time"

	"candle-break-backtester/internal/patterns"
)

var groupBase = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func activated(id string, dir patterns.Direction, entry, target float64, created, active time.Duration) *Opportunity {
	o := &Opportunity{
		ID:          id,
		Direction:   dir,
		EntryPrice:  entry,
		TargetPrice: target,
		CreatedAt:   groupBase.Add(created),
		Status:      StatusActivated,
	}
	o.RecordMilestone(MilestoneEntry, groupBase.Add(active))
	return o
}

func TestRangeOverlap(t *testing.T) {
	a := activated("a", patterns.Long, 100, 110, 0, time.Hour)
	b := activated("b", patterns.Long, 100.1, 110.5, 0, time.Hour)
	// Shared 100.1..110 over the smaller range 10.
	if got := RangeOverlap(a, b); math.Abs(got-0.99) > 1e-9 {
		t.Errorf("Expected overlap 0.99, got %v", got)
	}

	short := activated("s", patterns.Short, 110, 100, 0, time.Hour)
	if got := RangeOverlap(a, short); got != 0 {
		t.Errorf("Expected opposite directions not to overlap, got %v", got)
	}

	shortB := activated("t", patterns.Short, 110, 101, 0, time.Hour)
	if got := RangeOverlap(short, shortB); got != 1 {
		t.Errorf("Expected nested short range to overlap fully, got %v", got)
	}
}

func TestAssignGroups(t *testing.T) {
	a := activated("a", patterns.Long, 100, 110, 0, time.Hour)
	b := activated("b", patterns.Long, 100.1, 110, time.Hour, 2*time.Hour)
	a.RecordMilestone(MilestoneTarget, groupBase.Add(90*time.Minute))
	// Same move, created after a reached its target.
	late := activated("late", patterns.Long, 100, 110, 3*time.Hour, 4*time.Hour)
	other := activated("other", patterns.Long, 120, 130, 0, time.Hour)
	pending := &Opportunity{ID: "pending", Direction: patterns.Long, EntryPrice: 100, TargetPrice: 110, CreatedAt: groupBase}

	n := AssignGroups([]*Opportunity{late, other, pending, b, a}, 0)
	if n != 1 {
		t.Fatalf("Expected 1 group, got %d", n)
	}
	if a.GroupID != "g1" || b.GroupID != "g1" {
		t.Errorf("Expected a and b in g1, got %q and %q", a.GroupID, b.GroupID)
	}
	if late.GroupID != "" {
		t.Errorf("Expected late to stay ungrouped, got %q", late.GroupID)
	}
	if other.GroupID != "" || pending.GroupID != "" {
		t.Errorf("Expected disjoint and pending opportunities ungrouped, got %q and %q", other.GroupID, pending.GroupID)
	}
}

func TestAssignGroupsThreshold(t *testing.T) {
	a := activated("a", patterns.Long, 100, 110, 0, time.Hour)
	b := activated("b", patterns.Long, 101, 111, 0, time.Hour)

	if n := AssignGroups([]*Opportunity{a, b}, 0); n != 0 {
		t.Errorf("Expected 90%% overlap to stay below the default threshold, got %d groups", n)
	}
	if n := AssignGroups([]*Opportunity{a, b}, 0.9); n != 1 {
		t.Errorf("Expected one group at threshold 0.9, got %d", n)
	}

	// Rerunning clears stale assignments.
	if n := AssignGroups([]*Opportunity{a, b}, 0.95); n != 0 || a.GroupID != "" {
		t.Errorf("Expected groups cleared, got %d groups and %q", n, a.GroupID)
	}
}
