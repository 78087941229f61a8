package backtest

import (
	"math"
	"sort"
	"time"
)

// conservationTolerance absorbs float summation order differences.
const conservationTolerance = 1e-6

// State is everything a run needs to continue from a bar boundary.
type State struct {
	RunID                  string          `json:"run_id"`
	StartingBankroll       float64         `json:"starting_bankroll"`
	Bankroll               float64         `json:"bankroll"`
	OpenPositions          []*Position     `json:"open_positions"`
	ClosedPositions        []*Position     `json:"closed_positions"`
	Events                 []TradeEvent    `json:"events"`
	EquityCurve            []EquityPoint   `json:"equity_curve"`
	TotalFees              float64         `json:"total_fees"`
	Entered                map[string]bool `json:"entered"`
	SkippedEntries         int             `json:"skipped_entries"`
	Steps                  int             `json:"steps"`
	LastProcessedTimestamp time.Time       `json:"last_processed_timestamp"`
	Completed              bool            `json:"completed"`
}

// NewState creates an empty run state
func NewState(runID string, startingBankroll float64) *State {
	return &State{
		RunID:            runID,
		StartingBankroll: startingBankroll,
		Bankroll:         startingBankroll,
		OpenPositions:    []*Position{},
		ClosedPositions:  []*Position{},
		Events:           []TradeEvent{},
		EquityCurve:      []EquityPoint{},
		Entered:          make(map[string]bool),
	}
}

// OpenCostBasis sums the capital locked in open positions.
func (s *State) OpenCostBasis() float64 {
	total := 0.0
	for _, p := range s.OpenPositions {
		total += p.CostBasis
	}
	return total
}

// RealizedPnL sums gross profit over closed positions.
func (s *State) RealizedPnL() float64 {
	total := 0.0
	for _, p := range s.ClosedPositions {
		total += p.RealizedPnL
	}
	return total
}

// UnrealizedPnL sums the marked profit of open positions
func (s *State) UnrealizedPnL() float64 {
	total := 0.0
	for _, p := range s.OpenPositions {
		total += p.UnrealizedPnL
	}
	return total
}

// Equity is free bankroll plus open positions at their last mark.
func (s *State) Equity() float64 {
	return s.Bankroll + s.OpenCostBasis() + s.UnrealizedPnL()
}

// ConservationError is the gap in the capital identity
// bankroll + open cost basis - start == realized pnl - fees.
// It is zero for a consistent state.
func (s *State) ConservationError() float64 {
	lhs := s.Bankroll + s.OpenCostBasis() - s.StartingBankroll
	rhs := s.RealizedPnL() - s.TotalFees
	return lhs - rhs
}

// Consistent reports whether the capital identity holds.
func (s *State) Consistent() bool {
	scale := math.Max(1, math.Abs(s.StartingBankroll))
	return math.Abs(s.ConservationError()) <= conservationTolerance*scale
}

// Clone returns a deep copy
func (s *State) Clone() *State {
	c := *s
	c.OpenPositions = clonePositions(s.OpenPositions)
	c.ClosedPositions = clonePositions(s.ClosedPositions)
	c.Events = make([]TradeEvent, len(s.Events))
	copy(c.Events, s.Events)
	c.EquityCurve = make([]EquityPoint, len(s.EquityCurve))
	copy(c.EquityCurve, s.EquityCurve)
	c.Entered = make(map[string]bool, len(s.Entered))
	for k, v := range s.Entered {
		c.Entered[k] = v
	}
	return &c
}

func clonePositions(in []*Position) []*Position {
	out := make([]*Position, len(in))
	for i, p := range in {
		out[i] = p.clone()
	}
	return out
}

// sortOpen keeps open positions in entry order so iteration is stable.
func (s *State) sortOpen() {
	sort.SliceStable(s.OpenPositions, func(i, j int) bool {
		a, b := s.OpenPositions[i], s.OpenPositions[j]
		if !a.EntryTime.Equal(b.EntryTime) {
			return a.EntryTime.Before(b.EntryTime)
		}
		return a.ID < b.ID
	})
}
