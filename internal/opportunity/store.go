package opportunity

import (
	"context"
	"time"

	"candle-break-backtester/internal/patterns"
)

// Store persists opportunities. Implementations must be idempotent on Key:
// recording an event whose key exists returns the stored record and
// created=false without error.
type Store interface {
	RecordIfQualifying(ctx context.Context, ev patterns.PatternEvent, target patterns.Target, periodValid bool) (opp *Opportunity, created bool, err error)
	Get(ctx context.Context, id string) (*Opportunity, error)
	ByStatus(ctx context.Context, statuses ...Status) ([]*Opportunity, error)
	BySymbolTimeframe(ctx context.Context, symbol, timeframe string) ([]*Opportunity, error)
	All(ctx context.Context) ([]*Opportunity, error)
	Update(ctx context.Context, opp *Opportunity) error
}

// MergeUpdate checks that next is reachable from current and carries
// forward every milestone current already holds, so a first touch is never
// moved or erased by a later write.
func MergeUpdate(current, next *Opportunity) error {
	if !Reachable(current.Status, next.Status) {
		return TransitionError(current.ID, current.Status, next.Status)
	}
	for m, at := range current.Milestones {
		if at.IsZero() {
			continue
		}
		if next.Milestones == nil {
			next.Milestones = make(map[Milestone]time.Time)
		}
		next.Milestones[m] = at
	}
	return nil
}
