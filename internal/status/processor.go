// Package status replays fine-grained bars against stored opportunities and
// advances their lifecycle: entry activation, fib touches, target or expiry.
package status

import (
	"sort"
	"time"

	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"

	"github.com/shopspring/decimal"
)

// DefaultMaxPendingDuration bounds how long an opportunity may wait for its
// target, measured from creation.
const DefaultMaxPendingDuration = 7 * 24 * time.Hour

// Config holds processor configuration
type Config struct {
	MaxPendingDuration time.Duration
	Workers            int
}

// DefaultConfig returns the processor defaults
func DefaultConfig() Config {
	return Config{
		MaxPendingDuration: DefaultMaxPendingDuration,
		Workers:            4,
	}
}

// PriceFeed holds time-ordered 1m bars per symbol.
type PriceFeed map[string][]market.Bar

// Processor is the per-opportunity state machine. It holds no mutable state,
// so one instance can serve every worker.
type Processor struct {
	maxPending time.Duration
	logger     *logging.Logger
}

// NewProcessor creates a processor
func NewProcessor(cfg Config, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		maxPending: cfg.MaxPendingDuration,
		logger:     logger.WithComponent("status"),
	}
}

// Process replays bars strictly after the opportunity's creation and returns
// the advanced copy. The input is never modified. changed reports whether the
// status or any milestone moved. Running it again on its own output with the
// same bars changes nothing.
func (p *Processor) Process(opp *opportunity.Opportunity, bars []market.Bar) (next *opportunity.Opportunity, changed bool) {
	o := opp.Clone()
	if o.Status.IsTerminal() {
		return o, false
	}

	before := snapshot(o)

	var deadline time.Time
	if p.maxPending > 0 {
		deadline = o.CreatedAt.Add(p.maxPending)
	}

	start := sort.Search(len(bars), func(i int) bool {
		return bars[i].OpenTime.After(o.CreatedAt)
	})

	for _, bar := range bars[start:] {
		if !deadline.IsZero() && !bar.OpenTime.Before(deadline) {
			o.Status = opportunity.StatusExpired
			o.UpdatedAt = deadline
			break
		}

		switch o.Status {
		case opportunity.StatusPending:
			if !touchesEntry(o, bar) {
				continue
			}
			o.Status = opportunity.StatusActivated
			o.RecordMilestone(opportunity.MilestoneEntry, bar.OpenTime)
			o.UpdatedAt = bar.OpenTime
			// The activation bar counts for fib touches and the target.
			p.trackAdverse(o, bar)
			if reachesTarget(o, bar) {
				o.Status = opportunity.StatusTargetHit
				o.RecordMilestone(opportunity.MilestoneTarget, bar.OpenTime)
			}

		case opportunity.StatusActivated:
			if entryAt, ok := o.Milestone(opportunity.MilestoneEntry); ok && !bar.OpenTime.After(entryAt) {
				continue
			}
			p.trackAdverse(o, bar)
			if reachesTarget(o, bar) {
				o.Status = opportunity.StatusTargetHit
				o.RecordMilestone(opportunity.MilestoneTarget, bar.OpenTime)
				o.UpdatedAt = bar.OpenTime
			}
		}

		if o.Status.IsTerminal() {
			break
		}
	}

	changed = snapshot(o) != before
	if changed {
		p.logger.Debug("Opportunity advanced",
			"id", o.ID, "symbol", o.Symbol, "timeframe", o.Timeframe,
			"from", opp.Status, "to", o.Status)
	}
	return o, changed
}

// trackAdverse records fib first touches and the worst excursion against
// the position while it is active.
func (p *Processor) trackAdverse(o *opportunity.Opportunity, bar market.Bar) {
	for _, m := range opportunity.Milestones {
		level, ok := o.FibPrice(m)
		if !ok {
			continue
		}
		if touchesAdverse(o.Direction, level, bar) {
			o.RecordMilestone(m, bar.OpenTime)
		}
	}

	if dd := adverseExcursion(o, bar); dd > o.MaxDrawdown {
		o.MaxDrawdown = dd
		o.MaxDrawdownAt = bar.OpenTime
		o.MaxDrawdownPrice = bar.Low
		if o.Direction == patterns.Short {
			o.MaxDrawdownPrice = bar.High
		}
	}
}

func touchesEntry(o *opportunity.Opportunity, bar market.Bar) bool {
	if o.Direction == patterns.Long {
		return bar.Low <= o.EntryPrice
	}
	return bar.High >= o.EntryPrice
}

func reachesTarget(o *opportunity.Opportunity, bar market.Bar) bool {
	if o.Direction == patterns.Long {
		return bar.High >= o.TargetPrice
	}
	return bar.Low <= o.TargetPrice
}

func touchesAdverse(dir patterns.Direction, level float64, bar market.Bar) bool {
	if dir == patterns.Long {
		return bar.Low <= level
	}
	return bar.High >= level
}

// adverseExcursion is the move against the position as a percentage of entry.
func adverseExcursion(o *opportunity.Opportunity, bar market.Bar) float64 {
	if o.EntryPrice <= 0 {
		return 0
	}
	move := o.EntryPrice - bar.Low
	if o.Direction == patterns.Short {
		move = bar.High - o.EntryPrice
	}
	if move <= 0 {
		return 0
	}
	return decimal.NewFromFloat(move / o.EntryPrice * 100).Round(4).InexactFloat64()
}

type state struct {
	status     opportunity.Status
	milestones int
	drawdown   float64
}

func snapshot(o *opportunity.Opportunity) state {
	n := 0
	for _, m := range opportunity.Milestones {
		if _, ok := o.Milestone(m); ok {
			n++
		}
	}
	return state{status: o.Status, milestones: n, drawdown: o.MaxDrawdown}
}
