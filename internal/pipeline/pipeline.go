// Package pipeline chains the backtest stages: download, resample, pattern
// finding, status processing, simulation and reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/binance"
	"candle-break-backtester/internal/database"
	"candle-break-backtester/internal/events"
	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
	"candle-break-backtester/internal/reporting"
	"candle-break-backtester/internal/status"
	"candle-break-backtester/internal/timeframe"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// downloadWorkers bounds concurrent symbol downloads; the client's rate
// limiter still applies across them.
const downloadWorkers = 4

// RunRecorder persists a finished run. database.RunRepository implements it.
type RunRecorder interface {
	SaveRun(ctx context.Context, state *backtest.State, m backtest.Metrics) error
}

// StateSink receives a copy of the final state. api.RunSnapshot implements it.
type StateSink interface {
	Set(state *backtest.State)
}

// Options are the collaborators of a pipeline. Source and Store are
// required.
type Options struct {
	Source      binance.KlineSource
	Store       opportunity.Store
	Events      *events.EventBus
	Checkpoints backtest.CheckpointStore
	Runs        RunRecorder
	Snapshot    StateSink
	Logger      *logging.Logger
}

// Pipeline runs every stage for the configured symbols and timeframes.
type Pipeline struct {
	settings Settings
	opts     Options
	logger   *logging.Logger
}

// RunID identifies the simulation run and its checkpoints
func (p *Pipeline) RunID() string {
	return p.settings.Simulation.RunID
}

// Result summarises a run
type Result struct {
	Find    []*opportunity.FindResult
	Status  *status.RunResult
	State   *backtest.State
	Metrics backtest.Metrics
}

// New creates a pipeline
func New(settings Settings, opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, errors.New("pipeline needs a kline source")
	}
	if opts.Store == nil {
		return nil, errors.New("pipeline needs an opportunity store")
	}
	if len(settings.Symbols) == 0 || len(settings.Timeframes) == 0 {
		return nil, errors.New("pipeline needs at least one symbol and one timeframe")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if settings.Simulation.RunID == "" {
		settings.Simulation.RunID = uuid.NewString()
	}
	return &Pipeline{
		settings: settings,
		opts:     opts,
		logger:   logger.WithComponent("pipeline"),
	}, nil
}

// Run downloads 1m bars and runs every stage on them.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	prices, err := p.LoadPrices(ctx)
	if err != nil {
		return nil, err
	}
	return p.RunWithPrices(ctx, prices)
}

// LoadPrices downloads 1m bars for every symbol.
func (p *Pipeline) LoadPrices(ctx context.Context) (status.PriceFeed, error) {
	var mu sync.Mutex
	prices := make(status.PriceFeed, len(p.settings.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadWorkers)
	for _, sym := range p.settings.Symbols {
		sym := sym
		g.Go(func() error {
			started := time.Now()
			bars, err := p.opts.Source.GetKlinesRange(gctx, sym, "1m", p.settings.Start, p.settings.End)
			if err != nil {
				return fmt.Errorf("failed to load 1m bars for %s: %w", sym, err)
			}
			clean, skipped := market.Clean(bars)
			p.logger.WithDuration(time.Since(started)).Info("Loaded 1m bars",
				"symbol", sym,
				"bars", len(clean),
				"skipped", skipped)

			mu.Lock()
			prices[sym] = clean
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if cached, ok := p.opts.Source.(*binance.CachedClient); ok {
		st := cached.Stats()
		p.logger.Info("Kline pages served", "cache_hits", st.Hits, "downloaded", st.Misses, "deduplicated", st.Deduplicated)
	}
	return prices, nil
}

// RunWithPrices runs detection, status processing, simulation and
// reporting on already loaded bars.
func (p *Pipeline) RunWithPrices(ctx context.Context, prices status.PriceFeed) (*Result, error) {
	logger := logging.BacktestContext(p.settings.Simulation.RunID, p.settings.Start, p.settings.End)
	result := &Result{}

	// Nil interfaces, not typed nil pointers, when there is no bus.
	var (
		alerts  opportunity.AlertPublisher
		updates status.UpdatePublisher
		trades  backtest.EventPublisher
	)
	if p.opts.Events != nil {
		alerts, updates, trades = p.opts.Events, p.opts.Events, p.opts.Events
	}

	calc := patterns.NewTargetCalculator(p.settings.RetracementRatio, p.settings.AlertThreshold)
	finder := opportunity.NewFinder(p.settings.Detector, calc, p.opts.Store, alerts, p.logger)
	for _, sym := range p.settings.Symbols {
		for _, label := range p.settings.Timeframes {
			bars, err := p.series(prices[sym], label)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s %s series: %w", sym, label, err)
			}
			found, err := finder.Run(ctx, market.Series{Symbol: sym, Timeframe: label, Bars: bars})
			if err != nil {
				return nil, err
			}
			result.Find = append(result.Find, found)
		}
	}

	runner := status.NewRunner(p.settings.Status, p.opts.Store, updates, p.logger)
	statusResult, err := runner.Run(ctx, prices)
	if err != nil {
		return nil, err
	}
	result.Status = statusResult

	if p.settings.ExportCSV != "" {
		all, err := p.opts.Store.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list opportunities for export: %w", err)
		}
		if err := database.WriteOpportunitiesCSVFile(p.settings.ExportCSV, all); err != nil {
			return nil, err
		}
		logger.Info("Exported opportunities", "path", p.settings.ExportCSV, "count", len(all))
	}

	entered, err := p.opts.Store.ByStatus(ctx, opportunity.StatusActivated, opportunity.StatusTargetHit, opportunity.StatusExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to load activated opportunities: %w", err)
	}

	if groups := opportunity.AssignGroups(entered, p.settings.GroupSimilarity); groups > 0 {
		logger.Info("Grouped overlapping opportunities", "groups", groups, "avoid_groups", p.settings.Simulation.Entry.AvoidGroups)
	}

	sim, err := backtest.NewSimulator(p.settings.Simulation, p.opts.Checkpoints, trades, p.logger)
	if err != nil {
		return nil, err
	}
	if p.settings.Resume {
		err := sim.Resume(ctx)
		switch {
		case errors.Is(err, backtest.ErrNoCheckpoint):
			logger.Info("No checkpoint to resume, starting fresh")
		case err != nil:
			return nil, err
		}
	}

	if err := sim.Run(ctx, backtest.Input{Opportunities: entered, Prices: prices}); err != nil {
		return nil, err
	}

	result.State = sim.State()
	result.Metrics = sim.Metrics()
	if p.opts.Snapshot != nil {
		p.opts.Snapshot.Set(result.State)
	}

	if p.settings.ReportDir != "" {
		if err := reporting.WriteRunFiles(p.settings.ReportDir, result.State, reporting.DefaultTimeframeOrder); err != nil {
			return nil, err
		}
	}
	if p.opts.Runs != nil {
		if err := p.opts.Runs.SaveRun(ctx, result.State, result.Metrics); err != nil {
			logger.WithError(err).Warn("Failed to persist run summary")
		}
	}

	logger.Info("Pipeline complete",
		"opportunities_entered", len(entered),
		"trades", result.Metrics.TotalTrades,
		"net_profit", result.Metrics.NetProfit)
	return result, nil
}

// series returns the bars for label, resampled from 1m unless label is 1m.
func (p *Pipeline) series(oneMinute []market.Bar, label string) ([]market.Bar, error) {
	canonical, _ := timeframe.Canonical(label)
	if canonical == "1m" {
		return oneMinute, nil
	}
	return timeframe.Resample(oneMinute, canonical)
}
