package backtest

import (
	"fmt"
	"time"

	"candle-break-backtester/internal/opportunity"
)

// fibLevels is the order stops and double-downs are evaluated in.
var fibLevels = []opportunity.Milestone{
	opportunity.MilestoneFibHalf,
	opportunity.MilestoneFibZero,
	opportunity.MilestoneFibNegHalf,
	opportunity.MilestoneFibNegOne,
}

func isFibLevel(m opportunity.Milestone) bool {
	for _, l := range fibLevels {
		if l == m {
			return true
		}
	}
	return false
}

func validateLevels(kind string, levels []opportunity.Milestone) error {
	for _, l := range levels {
		if !isFibLevel(l) {
			return fmt.Errorf("%s level %q is not a fib level", kind, l)
		}
	}
	return nil
}

// selected returns the fib levels present in levels, in evaluation order.
func selected(levels []opportunity.Milestone) []opportunity.Milestone {
	var out []opportunity.Milestone
	for _, l := range fibLevels {
		for _, want := range levels {
			if want == l {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// EntryPolicy filters activated opportunities before a position is opened.
type EntryPolicy struct {
	// AllowedSituations limits entries to these situation tags; empty allows all.
	AllowedSituations []string
	// Pending age is the time from creation to activation. Zero disables a bound.
	MinPendingAge time.Duration
	MaxPendingAge time.Duration
	// AlertingOnly skips opportunities below the alert threshold.
	AlertingOnly bool
	// AvoidGroups skips opportunities that overlap others, see
	// opportunity.AssignGroups.
	AvoidGroups bool
	// DoubleDownLevels adds one position at the level's price when an open
	// position first touches it. The extra position shares the original's
	// target and exits.
	DoubleDownLevels []opportunity.Milestone
}

// Validate checks the double-down levels.
func (p EntryPolicy) Validate() error {
	return validateLevels("double-down", p.DoubleDownLevels)
}

// Allow reports whether opp may be entered at entryTime, with a short reason
// when it may not.
func (p EntryPolicy) Allow(opp *opportunity.Opportunity, entryTime time.Time) (bool, string) {
	if len(p.AllowedSituations) > 0 {
		allowed := false
		for _, s := range p.AllowedSituations {
			if s == opp.SituationTag() {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "situation"
		}
	}
	if p.AlertingOnly && !opp.MeetsAlertThreshold {
		return false, "below_threshold"
	}
	if p.AvoidGroups && opp.GroupID != "" {
		return false, "grouped"
	}

	age := entryTime.Sub(opp.CreatedAt)
	if p.MinPendingAge > 0 && age < p.MinPendingAge {
		return false, "min_pending_age"
	}
	if p.MaxPendingAge > 0 && age > p.MaxPendingAge {
		return false, "max_pending_age"
	}
	return true, ""
}

// ExitPolicy configures the non-target exits. Target exits always apply.
type ExitPolicy struct {
	// StopLevels close at a fib level's price when it is first touched. When
	// several are touched on one bar the shallowest wins. Empty disables stops.
	StopLevels []opportunity.Milestone
	// MaxHold closes at market once a position has been open this long.
	// Zero disables time capitulation.
	MaxHold time.Duration
	// MaxDrawdown closes a position whose loss reaches a share of equity at
	// entry. A zero Percent disables it.
	MaxDrawdown DrawdownLimit
}

// Validate checks StopLevels name fib milestones and the drawdown limit.
func (p ExitPolicy) Validate() error {
	if err := validateLevels("stop", p.StopLevels); err != nil {
		return err
	}
	return p.MaxDrawdown.Validate()
}

// DrawdownLimit is the per-position loss allowance as a percent of equity
// when the position opens. With Adaptive set, the allowance scales from
// Percent toward MaxPercent by how long the opportunity waited for
// activation (PendingTimeHigh is full credit) and how soon after it was
// created it activated (TriggerTimeHigh is no credit).
type DrawdownLimit struct {
	Percent         float64       `json:"percent"`
	Adaptive        bool          `json:"adaptive"`
	MaxPercent      float64       `json:"max_percent"`
	UsePendingTime  bool          `json:"use_pending_time"`
	UseTriggerTime  bool          `json:"use_trigger_time"`
	PendingWeight   float64       `json:"pending_weight"`
	PendingTimeHigh time.Duration `json:"pending_time_high"`
	TriggerTimeHigh time.Duration `json:"trigger_time_high"`
}

const (
	DefaultPendingTimeHigh = 100 * 24 * time.Hour
	DefaultTriggerTimeHigh = time.Hour
)

// Enabled reports whether the limit applies
func (d DrawdownLimit) Enabled() bool {
	return d.Percent > 0
}

// Validate checks the percentages and the pending weight.
func (d DrawdownLimit) Validate() error {
	if d.Percent < 0 {
		return fmt.Errorf("max drawdown percent must not be negative, got %v", d.Percent)
	}
	if !d.Adaptive {
		return nil
	}
	if d.MaxPercent < d.Percent {
		return fmt.Errorf("adaptive max drawdown %v is below the base %v", d.MaxPercent, d.Percent)
	}
	if d.PendingWeight < 0 || d.PendingWeight > 100 {
		return fmt.Errorf("pending weight must be in [0, 100], got %v", d.PendingWeight)
	}
	return nil
}

// PercentFor is the allowance for an opportunity created at createdAt and
// activated at activatedAt.
func (d DrawdownLimit) PercentFor(createdAt, activatedAt time.Time) float64 {
	if !d.Adaptive {
		return d.Percent
	}
	pendingHigh, triggerHigh := d.PendingTimeHigh, d.TriggerTimeHigh
	if pendingHigh <= 0 {
		pendingHigh = DefaultPendingTimeHigh
	}
	if triggerHigh <= 0 {
		triggerHigh = DefaultTriggerTimeHigh
	}

	waited := activatedAt.Sub(createdAt)
	pending := clamp01(float64(waited) / float64(pendingHigh))
	trigger := clamp01(float64(triggerHigh-waited) / float64(triggerHigh))

	var credit float64
	switch {
	case d.UsePendingTime && d.UseTriggerTime:
		w := d.PendingWeight / 100
		credit = w*pending + (1-w)*trigger
	case d.UsePendingTime:
		credit = pending
	case d.UseTriggerTime:
		credit = trigger
	}
	return d.Percent + (d.MaxPercent-d.Percent)*credit
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func levelPrice(p *Position, level opportunity.Milestone) float64 {
	switch level {
	case opportunity.MilestoneFibHalf:
		return p.Fib.Half
	case opportunity.MilestoneFibZero:
		return p.Fib.Zero
	case opportunity.MilestoneFibNegHalf:
		return p.Fib.MinusHalf
	case opportunity.MilestoneFibNegOne:
		return p.Fib.MinusOne
	}
	return 0
}
