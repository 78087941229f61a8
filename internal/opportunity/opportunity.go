package opportunity

import (
	"fmt"
	"time"

	"candle-break-backtester/internal/patterns"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an opportunity.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusActivated   Status = "Activated"
	StatusTargetHit   Status = "TargetHit"
	StatusExpired     Status = "Expired"
	StatusInvalidated Status = "Invalidated"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusActivated, StatusTargetHit, StatusExpired, StatusInvalidated}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown opportunity status %q", s)
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusTargetHit || s == StatusExpired || s == StatusInvalidated
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusActivated || to == StatusExpired || to == StatusInvalidated
	case StatusActivated:
		return to == StatusTargetHit || to == StatusExpired
	}
	return false
}

// Reachable reports whether to can be reached from from through zero or more
// legal steps. A single status pass may move Pending straight to TargetHit.
func Reachable(from, to Status) bool {
	if CanTransition(from, to) {
		return true
	}
	for _, mid := range Statuses {
		if mid != from && mid != to && CanTransition(from, mid) && CanTransition(mid, to) {
			return true
		}
	}
	return false
}

// Milestone names a price level whose first touch is timestamped.
type Milestone string

const (
	MilestoneEntry      Milestone = "entry"
	MilestoneFibHalf    Milestone = "fib_0.5"
	MilestoneFibZero    Milestone = "fib_0.0"
	MilestoneFibNegHalf Milestone = "fib_-0.5"
	MilestoneFibNegOne  Milestone = "fib_-1.0"
	MilestoneTarget     Milestone = "target"
)

// Milestones lists every milestone in the order they are reported.
var Milestones = []Milestone{
	MilestoneEntry,
	MilestoneFibHalf,
	MilestoneFibZero,
	MilestoneFibNegHalf,
	MilestoneFibNegOne,
	MilestoneTarget,
}

// BarIndexAt is the absolute index of the bar opening at t: whole minutes
// since the Unix epoch. Every timeframe is built from 1m bars, so no two bars
// of one series share an index, and the index does not depend on where a
// download window starts.
func BarIndexAt(t time.Time) int {
	return int(t.Unix() / 60)
}

// Key is the uniqueness tuple of an opportunity. TriggerBarIndex is
// absolute, see BarIndexAt.
type Key struct {
	Symbol          string
	Timeframe       string
	TriggerBarIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d", k.Symbol, k.Timeframe, k.TriggerBarIndex)
}

var idNamespace = uuid.MustParse("6f1c7a3e-2b8d-4e1a-9c55-0d2f6b8e4a17")

// ID derives the stable opportunity ID for a key.
func (k Key) ID() string {
	return uuid.NewSHA1(idNamespace, []byte(k.String())).String()
}

// Opportunity is a persisted pattern event with its target and lifecycle.
type Opportunity struct {
	ID                   string                  `json:"id"`
	Symbol               string                  `json:"symbol"`
	Timeframe            string                  `json:"timeframe"`
	Kind                 patterns.PatternKind    `json:"kind"`
	Direction            patterns.Direction      `json:"direction"`
	TriggerBarIndex      int                     `json:"trigger_bar_index"`
	EntryPrice           float64                 `json:"entry_price"`
	TargetPrice          float64                 `json:"target_price"`
	PercentageDifference float64                 `json:"percentage_difference"`
	MeetsAlertThreshold  bool                    `json:"meets_alert_threshold"`
	PeriodValid          bool                    `json:"period_valid"`
	Fib                  patterns.FibLevels      `json:"fib_levels"`
	CreatedAt            time.Time               `json:"created_at"`
	Status               Status                  `json:"status"`
	Milestones           map[Milestone]time.Time `json:"milestones,omitempty"`
	MaxDrawdown          float64                 `json:"max_drawdown"`
	MaxDrawdownAt        time.Time               `json:"max_drawdown_at,omitempty"`
	MaxDrawdownPrice     float64                 `json:"max_drawdown_price,omitempty"`
	UpdatedAt            time.Time               `json:"updated_at"`
	// GroupID is set per run by AssignGroups and is not persisted.
	GroupID string `json:"group_id,omitempty"`
}

// Key returns the uniqueness tuple.
func (o *Opportunity) Key() Key {
	return Key{Symbol: o.Symbol, Timeframe: o.Timeframe, TriggerBarIndex: o.TriggerBarIndex}
}

// SituationTag is the short pattern label used in alerts and reports.
func (o *Opportunity) SituationTag() string {
	return o.Kind.SituationTag()
}

// Milestone returns the first-touch time of m, if recorded.
func (o *Opportunity) Milestone(m Milestone) (time.Time, bool) {
	t, ok := o.Milestones[m]
	return t, ok && !t.IsZero()
}

// RecordMilestone sets m to at unless it is already set. It reports whether
// the value was written.
func (o *Opportunity) RecordMilestone(m Milestone, at time.Time) bool {
	if _, ok := o.Milestone(m); ok {
		return false
	}
	if o.Milestones == nil {
		o.Milestones = make(map[Milestone]time.Time)
	}
	o.Milestones[m] = at
	return true
}

// FibPrice returns the price of a fib milestone.
func (o *Opportunity) FibPrice(m Milestone) (float64, bool) {
	switch m {
	case MilestoneFibHalf:
		return o.Fib.Half, true
	case MilestoneFibZero:
		return o.Fib.Zero, true
	case MilestoneFibNegHalf:
		return o.Fib.MinusHalf, true
	case MilestoneFibNegOne:
		return o.Fib.MinusOne, true
	}
	return 0, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Opportunity) Clone() *Opportunity {
	c := *o
	if o.Milestones != nil {
		c.Milestones = make(map[Milestone]time.Time, len(o.Milestones))
		for k, v := range o.Milestones {
			c.Milestones[k] = v
		}
	}
	return &c
}

// New builds a record from a pattern event and its computed target.
// Period-invalid events start Invalidated; everything else starts Pending.
func New(ev patterns.PatternEvent, target patterns.Target, periodValid bool) *Opportunity {
	key := Key{Symbol: ev.Symbol, Timeframe: ev.Timeframe, TriggerBarIndex: BarIndexAt(ev.TriggerOpenTime)}
	status := StatusPending
	if !periodValid {
		status = StatusInvalidated
	}
	created := ev.TriggerCloseTime.UTC()
	return &Opportunity{
		ID:                   key.ID(),
		Symbol:               ev.Symbol,
		Timeframe:            ev.Timeframe,
		Kind:                 ev.Kind,
		Direction:            ev.Direction,
		TriggerBarIndex:      key.TriggerBarIndex,
		EntryPrice:           target.Entry,
		TargetPrice:          target.Price,
		PercentageDifference: target.PercentageDifference,
		MeetsAlertThreshold:  target.MeetsAlertThreshold,
		PeriodValid:          periodValid,
		Fib:                  target.Fib,
		CreatedAt:            created,
		Status:               status,
		UpdatedAt:            created,
	}
}
