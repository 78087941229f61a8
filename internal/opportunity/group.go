package opportunity

import (
	"fmt"
	"math"
	"sort"
	"time"

	"candle-break-backtester/internal/patterns"
)

const (
	// DefaultGroupSimilarity is the share of the smaller entry-to-target
	// range two opportunities must have in common to be grouped.
	DefaultGroupSimilarity = 0.983
	minGroupSize           = 2
)

// AssignGroups sets GroupID on activated opportunities that trade the same
// move at the same time and returns the number of groups. Opportunities are
// taken in creation order and each ungrouped one seeds a group of the later
// ungrouped opportunities that match it. A match has the same direction, a
// range overlap of at least threshold and a live period (creation to target)
// that contains the other's activation. Unactivated opportunities and groups
// of one get an empty GroupID.
func AssignGroups(opps []*Opportunity, threshold float64) int {
	if threshold <= 0 {
		threshold = DefaultGroupSimilarity
	}

	var ordered []*Opportunity
	for _, o := range opps {
		o.GroupID = ""
		if _, ok := o.Milestone(MilestoneEntry); ok {
			ordered = append(ordered, o)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	groups := 0
	for i, seed := range ordered {
		if seed.GroupID != "" {
			continue
		}
		members := []*Opportunity{seed}
		for _, other := range ordered[i+1:] {
			if other.GroupID == "" && similar(seed, other, threshold) {
				members = append(members, other)
			}
		}
		if len(members) < minGroupSize {
			continue
		}
		groups++
		id := fmt.Sprintf("g%d", groups)
		for _, m := range members {
			m.GroupID = id
		}
	}
	return groups
}

func similar(a, b *Opportunity, threshold float64) bool {
	if a.Direction != b.Direction {
		return false
	}
	if RangeOverlap(a, b) < threshold {
		return false
	}
	return overlapsInTime(a, b)
}

// RangeOverlap is the shared part of the two entry-to-target ranges as a
// share of the smaller one. Opposite directions never overlap.
func RangeOverlap(a, b *Opportunity) float64 {
	if a.Direction != b.Direction {
		return 0
	}
	aLow, aHigh := bounds(a)
	bLow, bHigh := bounds(b)
	aRange, bRange := aHigh-aLow, bHigh-bLow
	if aRange <= 0 || bRange <= 0 {
		return 0
	}
	shared := math.Min(aHigh, bHigh) - math.Max(aLow, bLow)
	if shared <= 0 {
		return 0
	}
	return shared / math.Min(aRange, bRange)
}

func bounds(o *Opportunity) (low, high float64) {
	if o.Direction == patterns.Short {
		return o.TargetPrice, o.EntryPrice
	}
	return o.EntryPrice, o.TargetPrice
}

func overlapsInTime(a, b *Opportunity) bool {
	aActive, _ := a.Milestone(MilestoneEntry)
	bActive, _ := b.Milestone(MilestoneEntry)
	return within(bActive, a.CreatedAt, doneAt(a)) || within(aActive, b.CreatedAt, doneAt(b))
}

// doneAt is the target time, or the far future while the target is open.
func doneAt(o *Opportunity) time.Time {
	if t, ok := o.Milestone(MilestoneTarget); ok {
		return t
	}
	return time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}
