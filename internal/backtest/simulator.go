package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/metrics"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"

	"github.com/google/uuid"
)

const (
	DefaultStartingBankroll   = 10000.0
	DefaultFeeRate            = 0.0003
	DefaultCheckpointInterval = 1440
)

// ErrInsufficientBankroll means an entry would cost more than is free.
var ErrInsufficientBankroll = errors.New("insufficient bankroll")

var positionNamespace = uuid.MustParse("0b7e3c52-91d4-4f0a-8a61-3c9e5d2f7b14")

// Config holds simulator configuration
type Config struct {
	RunID              string
	StartingBankroll   float64
	FeeRate            float64
	Sizing             SizingPolicy
	Entry              EntryPolicy
	Exit               ExitPolicy
	CheckpointInterval int
}

// DefaultConfig returns a 10000 bankroll, 0.03% fees and 70% sizing.
func DefaultConfig() Config {
	return Config{
		StartingBankroll:   DefaultStartingBankroll,
		FeeRate:            DefaultFeeRate,
		Sizing:             PercentOfBankroll{Percent: 70, StartingBankroll: DefaultStartingBankroll},
		CheckpointInterval: DefaultCheckpointInterval,
	}
}

// EventPublisher is told about position and run lifecycle events.
type EventPublisher interface {
	PublishPositionOpened(p Position)
	PublishPositionClosed(p Position)
	PublishCheckpointSaved(runID string, at time.Time, steps int)
	PublishRunCompleted(runID string, m Metrics)
}

// Input is what a run consumes: processed opportunities and 1m bars per symbol.
type Input struct {
	Opportunities []*opportunity.Opportunity
	Prices        map[string][]market.Bar
}

// Simulator replays activated opportunities against a price stream and keeps
// the bankroll. It is single-writer: one goroutine drives a run.
type Simulator struct {
	cfg         Config
	state       *State
	checkpoints CheckpointStore
	events      EventPublisher
	logger      *logging.Logger
}

// NewSimulator creates a simulator with a fresh state. checkpoints and events
// may be nil.
func NewSimulator(cfg Config, checkpoints CheckpointStore, events EventPublisher, logger *logging.Logger) (*Simulator, error) {
	if cfg.StartingBankroll <= 0 {
		return nil, fmt.Errorf("starting bankroll must be positive, got %v", cfg.StartingBankroll)
	}
	if cfg.FeeRate < 0 {
		return nil, fmt.Errorf("fee rate must not be negative, got %v", cfg.FeeRate)
	}
	if err := cfg.Entry.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Exit.Validate(); err != nil {
		return nil, err
	}
	if cfg.Sizing == nil {
		cfg.Sizing = PercentOfBankroll{Percent: 70, StartingBankroll: cfg.StartingBankroll}
	}
	if _, ok := cfg.Sizing.(PercentOfBankroll); cfg.Exit.MaxDrawdown.Enabled() && !ok {
		return nil, fmt.Errorf("max position drawdown needs percent_of_bankroll sizing, got %s", cfg.Sizing.Name())
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Simulator{
		cfg:         cfg,
		state:       NewState(cfg.RunID, cfg.StartingBankroll),
		checkpoints: checkpoints,
		events:      events,
		logger:      logger.WithComponent("simulator").WithField("run_id", cfg.RunID),
	}, nil
}

// RunID returns the run identifier
func (s *Simulator) RunID() string {
	return s.cfg.RunID
}

// Resume replaces the current state with the run's last checkpoint. Anything
// processed after that checkpoint is discarded. A corrupt checkpoint is
// returned as *CheckpointCorruptionError.
func (s *Simulator) Resume(ctx context.Context) error {
	if s.checkpoints == nil {
		return ErrNoCheckpoint
	}
	state, err := s.checkpoints.Load(ctx, s.cfg.RunID)
	if err != nil {
		return err
	}
	s.state = state
	s.logger.Info("Resumed from checkpoint",
		"last_processed", state.LastProcessedTimestamp,
		"steps", state.Steps,
		"bankroll", state.Bankroll,
		"open_positions", len(state.OpenPositions))
	return nil
}

// Run processes every bar after the last processed timestamp and marks the
// run completed.
func (s *Simulator) Run(ctx context.Context, in Input) error {
	return s.run(ctx, in, time.Time{})
}

// RunUntil processes bars up to and including until, leaving the run open.
func (s *Simulator) RunUntil(ctx context.Context, in Input, until time.Time) error {
	return s.run(ctx, in, until)
}

func (s *Simulator) run(ctx context.Context, in Input, until time.Time) error {
	entries := indexEntries(in.Opportunities)
	symbols := make([]string, 0, len(in.Prices))
	for sym := range in.Prices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	last := s.state.LastProcessedTimestamp
	timeline := buildTimeline(in.Prices, last)
	cursors := make(map[string]int, len(symbols))
	for _, sym := range symbols {
		bars := in.Prices[sym]
		cursors[sym] = sort.Search(len(bars), func(i int) bool {
			return bars[i].OpenTime.After(last)
		})
	}

	s.logger.Info("Simulation starting",
		"steps", len(timeline),
		"symbols", len(symbols),
		"opportunities", len(in.Opportunities),
		"resume_after", last)

	started := time.Now()
	for _, ts := range timeline {
		if !until.IsZero() && ts.After(until) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		current := make(map[string]market.Bar)
		for _, sym := range symbols {
			bars := in.Prices[sym]
			i := cursors[sym]
			for i < len(bars) && bars[i].OpenTime.Before(ts) {
				i++
			}
			if i < len(bars) && bars[i].OpenTime.Equal(ts) {
				current[sym] = bars[i]
				i++
			}
			cursors[sym] = i
		}

		s.step(ts, current, entries[ts.UnixMilli()])

		if s.cfg.CheckpointInterval > 0 && s.state.Steps%s.cfg.CheckpointInterval == 0 {
			if err := s.checkpoint(ctx); err != nil {
				return err
			}
		}
	}

	if !until.IsZero() {
		return nil
	}

	s.state.Completed = true
	if !s.state.LastProcessedTimestamp.IsZero() {
		s.recordEquity(s.state.LastProcessedTimestamp)
	}
	if err := s.checkpoint(ctx); err != nil {
		return err
	}

	m := s.Metrics()
	s.logger.WithDuration(time.Since(started)).Info("Simulation complete",
		"steps", s.state.Steps,
		"closed", m.TotalTrades,
		"open", m.OpenPositions,
		"bankroll", s.state.Bankroll,
		"win_rate", m.WinRate)
	if s.events != nil {
		s.events.PublishRunCompleted(s.cfg.RunID, m)
	}
	return nil
}

// step is one bar boundary: entries, mark to market, exits.
func (s *Simulator) step(ts time.Time, bars map[string]market.Bar, candidates []*opportunity.Opportunity) {
	eventsBefore := len(s.state.Events)

	for _, opp := range candidates {
		if err := s.open(opp, ts); err != nil {
			s.state.SkippedEntries++
			s.logger.Debug("Entry skipped", "opportunity_id", opp.ID, "reason", err.Error())
		}
	}
	s.doubleDown(ts)

	for _, p := range s.state.OpenPositions {
		if bar, ok := bars[p.Symbol]; ok {
			p.UnrealizedPnL = p.PnLAt(bar.Close)
		}
	}

	open := append([]*Position(nil), s.state.OpenPositions...)
	for _, p := range open {
		bar, ok := bars[p.Symbol]
		if !ok {
			continue
		}
		if price, reason, exit := s.exitFor(p, ts, bar); exit {
			s.close(p, ts, price, reason)
		}
	}

	s.state.Steps++
	s.state.LastProcessedTimestamp = ts

	if len(s.state.Events) != eventsBefore || s.newDay(ts) {
		s.recordEquity(ts)
	}
}

func (s *Simulator) exitFor(p *Position, ts time.Time, bar market.Bar) (float64, ExitReason, bool) {
	if at, ok := p.milestone(opportunity.MilestoneTarget); ok && at.Equal(ts) {
		return p.TargetPrice, ExitTarget, true
	}
	if s.cfg.Exit.MaxHold > 0 && ts.Sub(p.EntryTime) >= s.cfg.Exit.MaxHold {
		return bar.Close, ExitTimeCapitulation, true
	}
	for _, level := range selected(s.cfg.Exit.StopLevels) {
		if at, ok := p.milestone(level); ok && at.Equal(ts) {
			return levelPrice(p, level), StopReason(level), true
		}
	}
	if p.DrawdownLimit > 0 {
		limit := p.drawdownPrice()
		if (p.Side == patterns.Short && bar.High >= limit) || (p.Side != patterns.Short && bar.Low <= limit) {
			return limit, ExitMaxDrawdown, true
		}
	}
	return 0, "", false
}

func (s *Simulator) open(opp *opportunity.Opportunity, ts time.Time) error {
	if s.state.Entered[opp.ID] {
		return errors.New("already entered")
	}
	if ok, reason := s.cfg.Entry.Allow(opp, ts); !ok {
		return fmt.Errorf("entry policy: %s", reason)
	}

	return s.enter(&Position{
		ID:            uuid.NewSHA1(positionNamespace, []byte(s.cfg.RunID+"|"+opp.ID)).String(),
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		Timeframe:     opp.Timeframe,
		SituationTag:  opp.SituationTag(),
		Side:          opp.Direction,
		EntryPrice:    opp.EntryPrice,
		TargetPrice:   opp.TargetPrice,
		Fib:           opp.Fib,
		CreatedAt:     opp.CreatedAt,
		Milestones:    opp.Clone().Milestones,
	}, opp.ID, ts)
}

// doubleDown adds a position at each configured fib level first touched at
// ts by an open original position. Each level is entered once per
// opportunity; double-down positions do not double down again.
func (s *Simulator) doubleDown(ts time.Time) {
	levels := selected(s.cfg.Entry.DoubleDownLevels)
	if len(levels) == 0 {
		return
	}
	for _, level := range levels {
		for _, parent := range append([]*Position(nil), s.state.OpenPositions...) {
			if parent.EntryLevel != "" {
				continue
			}
			if at, ok := parent.milestone(level); !ok || !at.Equal(ts) {
				continue
			}
			key := parent.OpportunityID + "|" + string(level)
			if s.state.Entered[key] {
				continue
			}

			p := parent.clone()
			p.ID = uuid.NewSHA1(positionNamespace, []byte(s.cfg.RunID+"|"+key)).String()
			p.EntryPrice = levelPrice(parent, level)
			p.EntryLevel = level
			if err := s.enter(p, key, ts); err != nil {
				s.state.SkippedEntries++
				s.logger.Debug("Double-down skipped", "opportunity_id", parent.OpportunityID, "level", level, "reason", err.Error())
			}
		}
	}
}

// enter sizes p at its entry price, charges the bankroll and records the
// open. key marks the entry as taken.
func (s *Simulator) enter(p *Position, key string, ts time.Time) error {
	size := s.cfg.Sizing.Size(p.EntryPrice, s.state.Bankroll)
	if size <= 0 {
		return fmt.Errorf("non-positive size %v", size)
	}
	cost := size * p.EntryPrice
	fee := cost * s.cfg.FeeRate
	if cost+fee > s.state.Bankroll {
		return fmt.Errorf("%w: need %.4f, have %.4f", ErrInsufficientBankroll, cost+fee, s.state.Bankroll)
	}

	p.Size = size
	p.EntryTime = ts
	p.CostBasis = cost
	p.EntryFee = fee
	p.ExitPrice, p.ExitTime, p.ExitFee, p.ExitReason = 0, time.Time{}, 0, ""
	p.RealizedPnL, p.UnrealizedPnL = 0, 0
	p.DrawdownLimit = 0
	if limit := s.cfg.Exit.MaxDrawdown; limit.Enabled() {
		activated, ok := p.milestone(opportunity.MilestoneEntry)
		if !ok {
			activated = ts
		}
		p.DrawdownLimit = limit.PercentFor(p.CreatedAt, activated) / 100 * s.state.Equity()
	}

	s.state.Bankroll -= cost + fee
	s.state.TotalFees += fee
	s.state.Entered[key] = true
	s.state.OpenPositions = append(s.state.OpenPositions, p)
	s.state.sortOpen()
	s.state.Events = append(s.state.Events, TradeEvent{
		Time:          ts,
		Type:          openEventType(p.Side),
		PositionID:    p.ID,
		OpportunityID: p.OpportunityID,
		Symbol:        p.Symbol,
		Timeframe:     p.Timeframe,
		Price:         p.EntryPrice,
		Size:          p.Size,
		Fee:           fee,
		Bankroll:      s.state.Bankroll,
	})

	metrics.PositionsOpened.WithLabelValues(p.Timeframe, string(p.Side)).Inc()
	metrics.Bankroll.Set(s.state.Bankroll)
	if s.events != nil {
		s.events.PublishPositionOpened(*p.clone())
	}
	return nil
}

func (s *Simulator) close(p *Position, ts time.Time, price float64, reason ExitReason) {
	pnl := p.PnLAt(price)
	fee := price * p.Size * s.cfg.FeeRate

	p.ExitPrice = price
	p.ExitTime = ts
	p.ExitFee = fee
	p.RealizedPnL = pnl
	p.UnrealizedPnL = 0
	p.ExitReason = reason

	s.state.Bankroll += p.CostBasis + pnl - fee
	s.state.TotalFees += fee

	for i, open := range s.state.OpenPositions {
		if open.ID == p.ID {
			s.state.OpenPositions = append(s.state.OpenPositions[:i], s.state.OpenPositions[i+1:]...)
			break
		}
	}
	s.state.ClosedPositions = append(s.state.ClosedPositions, p)
	s.state.Events = append(s.state.Events, TradeEvent{
		Time:          ts,
		Type:          closeEventType(p.Side),
		PositionID:    p.ID,
		OpportunityID: p.OpportunityID,
		Symbol:        p.Symbol,
		Timeframe:     p.Timeframe,
		Price:         price,
		Size:          p.Size,
		Fee:           fee,
		RealizedPnL:   pnl,
		Bankroll:      s.state.Bankroll,
		Reason:        reason,
	})

	metrics.PositionsClosed.WithLabelValues(p.Timeframe, string(reason)).Inc()
	metrics.Bankroll.Set(s.state.Bankroll)
	if s.events != nil {
		s.events.PublishPositionClosed(*p.clone())
	}
}

func (s *Simulator) newDay(ts time.Time) bool {
	n := len(s.state.EquityCurve)
	if n == 0 {
		return true
	}
	prev := s.state.EquityCurve[n-1].Timestamp
	y1, m1, d1 := prev.Date()
	y2, m2, d2 := ts.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (s *Simulator) recordEquity(ts time.Time) {
	n := len(s.state.EquityCurve)
	point := EquityPoint{Timestamp: ts, Bankroll: s.state.Bankroll, Equity: s.state.Equity()}
	if n > 0 && s.state.EquityCurve[n-1].Timestamp.Equal(ts) {
		s.state.EquityCurve[n-1] = point
		return
	}
	s.state.EquityCurve = append(s.state.EquityCurve, point)
}

func (s *Simulator) checkpoint(ctx context.Context) error {
	if s.checkpoints == nil {
		return nil
	}
	if err := s.checkpoints.Save(ctx, s.state); err != nil {
		metrics.CheckpointsSaved.WithLabelValues(s.checkpoints.Name(), "error").Inc()
		return fmt.Errorf("failed to save checkpoint at step %d: %w", s.state.Steps, err)
	}
	metrics.CheckpointsSaved.WithLabelValues(s.checkpoints.Name(), "ok").Inc()
	s.logger.Debug("Checkpoint saved", "steps", s.state.Steps, "last_processed", s.state.LastProcessedTimestamp)
	if s.events != nil {
		s.events.PublishCheckpointSaved(s.cfg.RunID, s.state.LastProcessedTimestamp, s.state.Steps)
	}
	return nil
}

// State returns a copy of the current run state.
func (s *Simulator) State() *State {
	return s.state.Clone()
}

// ClosedPositions returns closed positions in exit order
func (s *Simulator) ClosedPositions() []Position {
	return derefPositions(s.state.ClosedPositions)
}

// OpenPositions returns open positions in entry order
func (s *Simulator) OpenPositions() []Position {
	return derefPositions(s.state.OpenPositions)
}

// TradeEvents returns the trade log
func (s *Simulator) TradeEvents() []TradeEvent {
	out := make([]TradeEvent, len(s.state.Events))
	copy(out, s.state.Events)
	return out
}

// EquityCurve returns the sampled equity curve
func (s *Simulator) EquityCurve() []EquityPoint {
	out := make([]EquityPoint, len(s.state.EquityCurve))
	copy(out, s.state.EquityCurve)
	return out
}

// Metrics summarises the run so far.
func (s *Simulator) Metrics() Metrics {
	return ComputeMetrics(s.state)
}

func derefPositions(in []*Position) []Position {
	out := make([]Position, len(in))
	for i, p := range in {
		out[i] = *p.clone()
	}
	return out
}

// indexEntries groups enterable opportunities by entry-milestone timestamp,
// oldest creation first within a timestamp.
func indexEntries(opps []*opportunity.Opportunity) map[int64][]*opportunity.Opportunity {
	out := make(map[int64][]*opportunity.Opportunity)
	for _, o := range opps {
		switch o.Status {
		case opportunity.StatusActivated, opportunity.StatusTargetHit, opportunity.StatusExpired:
		default:
			continue
		}
		at, ok := o.Milestone(opportunity.MilestoneEntry)
		if !ok {
			continue
		}
		out[at.UnixMilli()] = append(out[at.UnixMilli()], o)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	return out
}

// buildTimeline returns every distinct bar open time after `after`, ascending.
func buildTimeline(prices map[string][]market.Bar, after time.Time) []time.Time {
	seen := make(map[int64]bool)
	var stamps []int64
	for _, bars := range prices {
		for _, b := range bars {
			if !b.OpenTime.After(after) {
				continue
			}
			ms := b.OpenTime.UnixMilli()
			if !seen[ms] {
				seen[ms] = true
				stamps = append(stamps, ms)
			}
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	out := make([]time.Time, len(stamps))
	for i, ms := range stamps {
		out[i] = time.UnixMilli(ms).UTC()
	}
	return out
}
