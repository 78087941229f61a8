package pipeline

import (
	"fmt"
	"strings"
	"time"

	"candle-break-backtester/config"
	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
	"candle-break-backtester/internal/status"
)

const dateLayout = "2006-01-02"

// Settings is the resolved form of config.Config for one run.
type Settings struct {
	Symbols    []string
	Timeframes []string
	// Start and End bound the 1m download, end exclusive. Zero means
	// unbounded, which only the CSV source accepts.
	Start time.Time
	End   time.Time

	Detector         patterns.Config
	RetracementRatio float64
	AlertThreshold   float64
	// GroupSimilarity is the range overlap at which activated opportunities
	// are grouped, see opportunity.AssignGroups.
	GroupSimilarity float64
	Status           status.Config
	Simulation       backtest.Config

	Resume    bool
	ReportDir string
	ExportCSV string
}

// FromConfig resolves dates, sizing and policies. now anchors the default
// lookback window when no dates are configured.
func FromConfig(cfg *config.Config, now time.Time) (Settings, error) {
	p := cfg.PipelineConfig
	sim := cfg.SimulationConfig

	s := Settings{
		Symbols:    normalizeSymbols(p.Symbols),
		Timeframes: p.Timeframes,
		Detector: patterns.Config{
			DetectEngulfing:  cfg.DetectorConfig.DetectEngulfing,
			ReferenceLineCap: cfg.DetectorConfig.ReferenceLineCap,
		},
		RetracementRatio: cfg.DetectorConfig.RetracementRatio,
		AlertThreshold:   cfg.DetectorConfig.AlertThreshold,
		GroupSimilarity:  sim.GroupSimilarity,
		Status: status.Config{
			MaxPendingDuration: cfg.StatusConfig.MaxPendingDuration,
			Workers:            cfg.StatusConfig.Workers,
		},
		ReportDir: sim.ReportDir,
		ExportCSV: p.ExportCSV,
	}

	if err := s.resolveWindow(p, now); err != nil {
		return Settings{}, err
	}

	sizing, err := backtest.NewSizingPolicy(backtest.SizingConfig{
		Mode:            sim.Sizing.Mode,
		Quantity:        sim.Sizing.Quantity,
		Amount:          sim.Sizing.Amount,
		Percent:         sim.Sizing.Percent,
		DescalingFactor: sim.Sizing.DescalingFactor,
	}, sim.StartingBankroll)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to build sizing policy: %w", err)
	}

	s.Simulation = backtest.Config{
		RunID:            p.RunID,
		StartingBankroll: sim.StartingBankroll,
		FeeRate:          sim.FeeRate,
		Sizing:           sizing,
		Entry: backtest.EntryPolicy{
			AllowedSituations: sim.AllowedSituations,
			MinPendingAge:     sim.MinPendingAge,
			MaxPendingAge:     sim.MaxPendingAge,
			AlertingOnly:      sim.AlertingOnly,
			AvoidGroups:       sim.AvoidGroups,
			DoubleDownLevels:  milestones(sim.DoubleDownLevels),
		},
		Exit: backtest.ExitPolicy{
			StopLevels: milestones(sim.StopLevels),
			MaxHold:    sim.MaxHold,
			MaxDrawdown: backtest.DrawdownLimit{
				Percent:         sim.MaxDrawdown.Percent,
				Adaptive:        sim.MaxDrawdown.Adaptive,
				MaxPercent:      sim.MaxDrawdown.MaxPercent,
				UsePendingTime:  sim.MaxDrawdown.UsePendingTime,
				UseTriggerTime:  sim.MaxDrawdown.UseTriggerTime,
				PendingWeight:   sim.MaxDrawdown.PendingWeight,
				PendingTimeHigh: sim.MaxDrawdown.PendingTimeHigh,
				TriggerTimeHigh: sim.MaxDrawdown.TriggerTimeHigh,
			},
		},
		CheckpointInterval: sim.CheckpointInterval,
	}
	if err := s.Simulation.Entry.Validate(); err != nil {
		return Settings{}, err
	}
	if err := s.Simulation.Exit.Validate(); err != nil {
		return Settings{}, err
	}
	if _, ok := sizing.(backtest.PercentOfBankroll); s.Simulation.Exit.MaxDrawdown.Enabled() && !ok {
		return Settings{}, fmt.Errorf("max drawdown needs percent_of_bankroll sizing, got %s", sizing.Name())
	}

	return s, nil
}

func milestones(levels []string) []opportunity.Milestone {
	out := make([]opportunity.Milestone, 0, len(levels))
	for _, l := range levels {
		out = append(out, opportunity.Milestone(l))
	}
	return out
}

func (s *Settings) resolveWindow(p config.PipelineConfig, now time.Time) error {
	if p.EndDate != "" {
		end, err := time.Parse(dateLayout, p.EndDate)
		if err != nil {
			return fmt.Errorf("invalid end date %q: %w", p.EndDate, err)
		}
		// The end date is inclusive.
		s.End = end.Add(24 * time.Hour)
	}
	if p.StartDate != "" {
		start, err := time.Parse(dateLayout, p.StartDate)
		if err != nil {
			return fmt.Errorf("invalid start date %q: %w", p.StartDate, err)
		}
		s.Start = start
	}

	if p.Source == "csv" && s.Start.IsZero() && s.End.IsZero() {
		return nil
	}

	if s.End.IsZero() {
		s.End = now.UTC().Truncate(24 * time.Hour)
	}
	if s.Start.IsZero() {
		s.Start = s.End.Add(-time.Duration(p.LookbackDays) * 24 * time.Hour)
	}
	if !s.Start.Before(s.End) {
		return fmt.Errorf("start %s is not before end %s", s.Start.Format(dateLayout), s.End.Format(dateLayout))
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, sym := range in {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
