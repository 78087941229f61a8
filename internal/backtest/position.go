package backtest

import (
	"time"

	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitTarget           ExitReason = "target"
	ExitTimeCapitulation ExitReason = "time_capitulation"
	ExitMaxDrawdown      ExitReason = "max_position_drawdown"
)

// StopReason is the exit reason for a fib stop at the given level.
func StopReason(level opportunity.Milestone) ExitReason {
	return ExitReason("stop_" + string(level))
}

// Position is one simulated trade, open until ExitTime is set.
type Position struct {
	ID            string             `json:"id"`
	OpportunityID string             `json:"opportunity_id"`
	Symbol        string             `json:"symbol"`
	Timeframe     string             `json:"timeframe"`
	SituationTag  string             `json:"situation_tag"`
	Side          patterns.Direction `json:"side"`
	Size          float64            `json:"size"`
	EntryPrice    float64            `json:"entry_price"`
	EntryTime     time.Time          `json:"entry_time"`
	TargetPrice   float64            `json:"target_price"`
	Fib           patterns.FibLevels `json:"fib_levels"`
	CreatedAt     time.Time          `json:"created_at"`
	CostBasis     float64            `json:"cost_basis"`
	EntryFee      float64            `json:"entry_fee"`
	ExitPrice     float64            `json:"exit_price,omitempty"`
	ExitTime      time.Time          `json:"exit_time,omitempty"`
	ExitFee       float64            `json:"exit_fee,omitempty"`
	RealizedPnL   float64            `json:"realized_pnl"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	ExitReason    ExitReason         `json:"exit_reason,omitempty"`
	// EntryLevel is the fib level of a double-down entry, empty otherwise.
	EntryLevel opportunity.Milestone `json:"entry_level,omitempty"`
	// DrawdownLimit is the loss in quote currency that closes the position.
	DrawdownLimit float64 `json:"drawdown_limit,omitempty"`

	// Milestone times copied from the opportunity; exits fire on them.
	Milestones map[opportunity.Milestone]time.Time `json:"milestones,omitempty"`
}

// IsOpen reports whether the position has not been closed
func (p *Position) IsOpen() bool {
	return p.ExitTime.IsZero()
}

// PnLAt is the gross profit of the position at price.
func (p *Position) PnLAt(price float64) float64 {
	if p.Side == patterns.Short {
		return (p.EntryPrice - price) * p.Size
	}
	return (price - p.EntryPrice) * p.Size
}

// drawdownPrice is where the position's loss equals DrawdownLimit.
func (p *Position) drawdownPrice() float64 {
	if p.Side == patterns.Short {
		return p.EntryPrice + p.DrawdownLimit/p.Size
	}
	return p.EntryPrice - p.DrawdownLimit/p.Size
}

// NetPnL is realized profit after both fees.
func (p *Position) NetPnL() float64 {
	return p.RealizedPnL - p.EntryFee - p.ExitFee
}

// IsWin reports whether a closed position made money after fees.
func (p *Position) IsWin() bool {
	return !p.IsOpen() && p.NetPnL() > 0
}

// HoldDuration is how long the position was (or has been) open.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	if !p.IsOpen() {
		return p.ExitTime.Sub(p.EntryTime)
	}
	return now.Sub(p.EntryTime)
}

func (p *Position) milestone(m opportunity.Milestone) (time.Time, bool) {
	t, ok := p.Milestones[m]
	return t, ok && !t.IsZero()
}

func (p *Position) clone() *Position {
	c := *p
	if p.Milestones != nil {
		c.Milestones = make(map[opportunity.Milestone]time.Time, len(p.Milestones))
		for k, v := range p.Milestones {
			c.Milestones[k] = v
		}
	}
	return &c
}

// TradeEventType is an order-log entry kind.
type TradeEventType string

const (
	EventOpenLong   TradeEventType = "open long"
	EventOpenShort  TradeEventType = "open short"
	EventCloseLong  TradeEventType = "close long"
	EventCloseShort TradeEventType = "close short"
)

// IsClose reports whether the event closed a position
func (t TradeEventType) IsClose() bool {
	return t == EventCloseLong || t == EventCloseShort
}

// TradeEvent is one line of the trade log.
type TradeEvent struct {
	Time          time.Time      `json:"time"`
	Type          TradeEventType `json:"type"`
	PositionID    string         `json:"position_id"`
	OpportunityID string         `json:"opportunity_id"`
	Symbol        string         `json:"symbol"`
	Timeframe     string         `json:"timeframe"`
	Price         float64        `json:"price"`
	Size          float64        `json:"size"`
	Fee           float64        `json:"fee"`
	RealizedPnL   float64        `json:"realized_pnl"`
	Bankroll      float64        `json:"bankroll"`
	Reason        ExitReason     `json:"reason,omitempty"`
}

func openEventType(side patterns.Direction) TradeEventType {
	if side == patterns.Short {
		return EventOpenShort
	}
	return EventOpenLong
}

func closeEventType(side patterns.Direction) TradeEventType {
	if side == patterns.Short {
		return EventCloseShort
	}
	return EventCloseLong
}

// EquityPoint is total account value at a point in time
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Bankroll  float64   `json:"bankroll"`
	Equity    float64   `json:"equity"`
}
