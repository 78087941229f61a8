package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/metrics"
	"candle-break-backtester/internal/opportunity"

	"golang.org/x/sync/errgroup"
)

// Partition splits opps into at most n disjoint shards, round-robin.
func Partition(opps []*opportunity.Opportunity, n int) [][]*opportunity.Opportunity {
	if n < 1 {
		n = 1
	}
	if n > len(opps) {
		n = len(opps)
	}
	shards := make([][]*opportunity.Opportunity, n)
	for i, o := range opps {
		shards[i%n] = append(shards[i%n], o)
	}
	return shards
}

// Merge concatenates shard outputs and orders them by creation time, then
// ID, so the result does not depend on shard count or completion order.
func Merge(shards ...[]*opportunity.Opportunity) []*opportunity.Opportunity {
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	out := make([]*opportunity.Opportunity, 0, total)
	for _, s := range shards {
		out = append(out, s...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Outcome is one processed opportunity and whether it moved.
type Outcome struct {
	Opportunity *opportunity.Opportunity
	Changed     bool
}

// ProcessAll runs every opportunity through the processor on up to workers
// goroutines. Each shard writes only its own slot; the first error cancels
// the rest.
func (p *Processor) ProcessAll(ctx context.Context, opps []*opportunity.Opportunity, feed PriceFeed, workers int) ([]Outcome, error) {
	shards := Partition(opps, workers)
	results := make([][]*opportunity.Opportunity, len(shards))
	changed := make([]map[string]bool, len(shards))

	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			started := time.Now()
			defer func() { metrics.ShardDuration.Observe(time.Since(started).Seconds()) }()

			out := make([]*opportunity.Opportunity, 0, len(shard))
			moved := make(map[string]bool)
			for _, o := range shard {
				if err := ctx.Err(); err != nil {
					return err
				}
				next, ok := p.Process(o, feed[o.Symbol])
				out = append(out, next)
				if ok {
					moved[next.ID] = true
				}
			}
			results[i] = out
			changed[i] = moved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := Merge(results...)
	outcomes := make([]Outcome, len(merged))
	for i, o := range merged {
		moved := false
		for _, m := range changed {
			if m[o.ID] {
				moved = true
				break
			}
		}
		outcomes[i] = Outcome{Opportunity: o, Changed: moved}
	}
	return outcomes, nil
}

// UpdatePublisher is told about every opportunity whose state moved.
type UpdatePublisher interface {
	PublishOpportunityUpdated(opp *opportunity.Opportunity)
}

// RunResult summarises a store-backed pass.
type RunResult struct {
	Processed   int                        `json:"processed"`
	Changed     int                        `json:"changed"`
	Transitions map[string]int             `json:"transitions"`
	ByStatus    map[opportunity.Status]int `json:"by_status"`
}

// Runner loads open opportunities from a store, advances them in parallel
// and writes the changes back on the calling goroutine.
type Runner struct {
	processor *Processor
	store     opportunity.Store
	workers   int
	updates   UpdatePublisher
	logger    *logging.Logger
}

// NewRunner creates a runner. updates may be nil.
func NewRunner(cfg Config, store opportunity.Store, updates UpdatePublisher, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		processor: NewProcessor(cfg, logger),
		store:     store,
		workers:   workers,
		updates:   updates,
		logger:    logger.WithComponent("status"),
	}
}

// Run advances every Pending and Activated opportunity against feed.
func (r *Runner) Run(ctx context.Context, feed PriceFeed) (*RunResult, error) {
	open, err := r.store.ByStatus(ctx, opportunity.StatusPending, opportunity.StatusActivated)
	if err != nil {
		return nil, fmt.Errorf("failed to load open opportunities: %w", err)
	}

	before := make(map[string]opportunity.Status, len(open))
	for _, o := range open {
		before[o.ID] = o.Status
	}

	outcomes, err := r.processor.ProcessAll(ctx, open, feed, r.workers)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		Processed:   len(outcomes),
		Transitions: make(map[string]int),
		ByStatus:    make(map[opportunity.Status]int),
	}
	for _, out := range outcomes {
		o := out.Opportunity
		result.ByStatus[o.Status]++
		if !out.Changed {
			continue
		}
		oppLog := logging.OpportunityContext(r.logger, o.ID, o.Symbol, o.Timeframe)
		if err := r.store.Update(ctx, o); err != nil {
			oppLog.WithError(err).Error("Failed to store status change")
			return result, fmt.Errorf("failed to update opportunity %s: %w", o.ID, err)
		}
		result.Changed++

		if from := before[o.ID]; from != o.Status {
			result.Transitions[string(from)+"->"+string(o.Status)]++
			metrics.StatusTransitions.WithLabelValues(string(from), string(o.Status)).Inc()
			oppLog.Debug("Status changed", "from", from, "to", o.Status)
		}
		if r.updates != nil {
			r.updates.PublishOpportunityUpdated(o)
		}
	}

	r.logger.Info("Status pass complete",
		"processed", result.Processed,
		"changed", result.Changed,
		"workers", r.workers)
	return result, nil
}
