package opportunity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/metrics"
	"candle-break-backtester/internal/patterns"
	"candle-break-backtester/internal/timeframe"
)

// Alert is the notification payload for a qualifying, period-valid event.
type Alert struct {
	OpportunityID string             `json:"opportunity_id"`
	Symbol        string             `json:"symbol"`
	Timeframe     string             `json:"timeframe"`
	Direction     patterns.Direction `json:"direction"`
	EntryPrice    float64            `json:"entry_price"`
	TargetPrice   float64            `json:"target_price"`
	Timestamp     time.Time          `json:"timestamp"`
	SituationTag  string             `json:"situation_tag"`
}

// AlertFromOpportunity builds the alert payload, stamped at bar close.
func AlertFromOpportunity(o *Opportunity) Alert {
	return Alert{
		OpportunityID: o.ID,
		Symbol:        o.Symbol,
		Timeframe:     o.Timeframe,
		Direction:     o.Direction,
		EntryPrice:    o.EntryPrice,
		TargetPrice:   o.TargetPrice,
		Timestamp:     o.CreatedAt,
		SituationTag:  o.SituationTag(),
	}
}

// AlertPublisher receives alerts. The event bus implements it.
type AlertPublisher interface {
	PublishOpportunityAlert(alert Alert)
}

// FindResult summarises one Finder run.
type FindResult struct {
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	Events         int            `json:"events"`
	Created        int            `json:"created"`
	Duplicates     int            `json:"duplicates"`
	TimeMismatches int            `json:"time_mismatches"`
	BelowThreshold int            `json:"below_threshold"`
	Alerts         int            `json:"alerts"`
	SkippedBars    int            `json:"skipped_bars"`
	Opportunities  []*Opportunity `json:"-"`
}

// Finder runs bars through detection, targeting and the period gate and
// records the outcome in a Store.
type Finder struct {
	detectorCfg patterns.Config
	calc        *patterns.TargetCalculator
	store       Store
	alerts      AlertPublisher
	logger      *logging.Logger
}

// NewFinder creates a finder. alerts may be nil.
func NewFinder(detectorCfg patterns.Config, calc *patterns.TargetCalculator, store Store, alerts AlertPublisher, logger *logging.Logger) *Finder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Finder{
		detectorCfg: detectorCfg,
		calc:        calc,
		store:       store,
		alerts:      alerts,
		logger:      logger.WithComponent("finder"),
	}
}

// Run processes one series. Feeding the same series twice creates nothing
// new and raises no second alert.
func (f *Finder) Run(ctx context.Context, series market.Series) (*FindResult, error) {
	label, err := timeframe.Canonical(series.Timeframe)
	var unmapped *timeframe.UnmappedTimeframeError
	if errors.As(err, &unmapped) {
		f.logger.Warn("Timeframe label has no minute mapping, using it as-is", "timeframe", label)
	}

	detector := patterns.NewPatternDetector(f.detectorCfg)
	events, skipped := detector.DetectAll(series.Symbol, label, series.Bars)

	result := &FindResult{
		Symbol:      series.Symbol,
		Timeframe:   label,
		Events:      len(events),
		SkippedBars: skipped,
	}
	metrics.BarsSkipped.WithLabelValues(series.Symbol, label).Add(float64(skipped))

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		target := f.calc.Calculate(ev)

		periodValid := true
		gapErr := timeframe.CheckPeriod(ev.PriorOpenTime, ev.TriggerOpenTime, ev.TriggerCloseTime)
		if gapErr == nil {
			gapErr = timeframe.CheckAdjacent(ev.PriorBarIndex, ev.TriggerBarIndex, ev.PriorOpenTime, ev.TriggerOpenTime, ev.TriggerCloseTime)
		}
		if gapErr != nil {
			periodValid = false
			result.TimeMismatches++
			logging.PatternContext(f.logger, ev.Symbol, label, string(ev.Kind)).Warn("Pattern rejected by period check",
				"direction", ev.Direction, "bar", ev.TriggerBarIndex, "error", gapErr)
		}

		opp, created, err := f.store.RecordIfQualifying(ctx, ev, target, periodValid)
		if err != nil {
			return result, fmt.Errorf("failed to record opportunity at series bar %d: %w", ev.TriggerBarIndex, err)
		}
		metrics.PatternsDetected.WithLabelValues(string(ev.Kind), string(ev.Direction), outcome(created, periodValid, target.MeetsAlertThreshold)).Inc()

		if !created {
			result.Duplicates++
			continue
		}
		result.Created++
		result.Opportunities = append(result.Opportunities, opp)

		if !target.MeetsAlertThreshold {
			result.BelowThreshold++
		}
		if periodValid && target.MeetsAlertThreshold {
			result.Alerts++
			if f.alerts != nil {
				f.alerts.PublishOpportunityAlert(AlertFromOpportunity(opp))
			}
		}
	}

	f.logger.Info("Finder run complete",
		"symbol", result.Symbol,
		"timeframe", result.Timeframe,
		"events", result.Events,
		"created", result.Created,
		"duplicates", result.Duplicates,
		"time_mismatches", result.TimeMismatches,
		"alerts", result.Alerts)

	return result, nil
}

func outcome(created, periodValid, alerting bool) string {
	switch {
	case !created:
		return "duplicate"
	case !periodValid:
		return "time_mismatch"
	case !alerting:
		return "below_threshold"
	default:
		return "alert"
	}
}
