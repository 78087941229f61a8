package patterns

import (
	"time"

	"candle-break-backtester/internal/market"
)

// PatternKind identifies the two-bar formation that fired.
type PatternKind string

const (
	CandleBreak PatternKind = "candle_break"
	Engulfing   PatternKind = "engulfing"
)

// SituationTag is the short label carried on alerts and opportunity records.
func (k PatternKind) SituationTag() string {
	if k == Engulfing {
		return "engulfing"
	}
	return "1v1"
}

// Direction is the side a pattern points to.
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

// ParseDirection accepts "long"/"short" in any case.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "Long", "long", "LONG":
		return Long, true
	case "Short", "short", "SHORT":
		return Short, true
	}
	return "", false
}

// PatternEvent is emitted for a bar that breaks its predecessor.
type PatternEvent struct {
	Symbol          string      `json:"symbol"`
	Timeframe       string      `json:"timeframe"`
	Kind            PatternKind `json:"kind"`
	Direction       Direction   `json:"direction"`
	TriggerBarIndex int         `json:"trigger_bar_index"`
	PriorBarIndex   int         `json:"prior_bar_index"`
	EntryPrice      float64     `json:"entry_price"`
	PriorHigh       float64     `json:"prior_bar_high"`
	PriorLow        float64     `json:"prior_bar_low"`
	PriorOpen       float64     `json:"prior_bar_open"`

	PriorOpenTime    time.Time `json:"prior_open_time"`
	TriggerOpenTime  time.Time `json:"trigger_open_time"`
	TriggerCloseTime time.Time `json:"trigger_close_time"`
}

// Config holds detector configuration
type Config struct {
	DetectEngulfing  bool
	ReferenceLineCap int
}

// DefaultConfig returns the detector defaults
func DefaultConfig() Config {
	return Config{
		DetectEngulfing:  true,
		ReferenceLineCap: DefaultReferenceLineCap,
	}
}

// PatternDetector detects candle-break and engulfing formations.
type PatternDetector struct {
	detectEngulfing bool
	lines           *ReferenceLines
}

// NewPatternDetector creates a new pattern detector
func NewPatternDetector(cfg Config) *PatternDetector {
	return &PatternDetector{
		detectEngulfing: cfg.DetectEngulfing,
		lines:           NewReferenceLines(cfg.ReferenceLineCap),
	}
}

// ReferenceLines returns the annotation buffer fed by DetectAll.
func (pd *PatternDetector) ReferenceLines() *ReferenceLines {
	return pd.lines
}

// Detect classifies curr against prev. It returns nil when nothing fires and
// never more than one event. It has no side effects.
func (pd *PatternDetector) Detect(symbol, timeframe string, index int, prev, curr market.Bar) *PatternEvent {
	var (
		dir  Direction
		kind PatternKind
	)

	switch {
	case isCandleBreakLong(prev, curr):
		dir, kind = Long, CandleBreak
		if pd.detectEngulfing && isBullishEngulfing(prev, curr) {
			kind = Engulfing
		}
	case isCandleBreakShort(prev, curr):
		dir, kind = Short, CandleBreak
		if pd.detectEngulfing && isBearishEngulfing(prev, curr) {
			kind = Engulfing
		}
	default:
		return nil
	}

	return &PatternEvent{
		Symbol:           symbol,
		Timeframe:        timeframe,
		Kind:             kind,
		Direction:        dir,
		TriggerBarIndex:  index,
		PriorBarIndex:    index - 1,
		EntryPrice:       prev.Open,
		PriorHigh:        prev.High,
		PriorLow:         prev.Low,
		PriorOpen:        prev.Open,
		PriorOpenTime:    prev.OpenTime,
		TriggerOpenTime:  curr.OpenTime,
		TriggerCloseTime: curr.CloseTime,
	}
}

// DetectAll scans a bar sequence. Malformed bars are skipped and counted; the
// bar after a skipped one is compared with the last good bar and the event
// records that bar's index so the gap can be rejected downstream.
func (pd *PatternDetector) DetectAll(symbol, timeframe string, bars []market.Bar) (events []PatternEvent, skipped int) {
	prevIdx := -1
	for i, curr := range bars {
		if err := curr.Validate(); err != nil {
			skipped++
			continue
		}
		if prevIdx >= 0 {
			prev := bars[prevIdx]
			if ev := pd.Detect(symbol, timeframe, i, prev, curr); ev != nil {
				ev.PriorBarIndex = prevIdx
				events = append(events, *ev)
				if ev.Kind == Engulfing {
					pd.lines.Add(*ev)
				}
			}
		}
		pd.lines.Recolor(curr.Close)
		prevIdx = i
	}
	return events, skipped
}

// isCandleBreakLong: prior bar bearish and the current close takes out its open.
func isCandleBreakLong(prev, curr market.Bar) bool {
	return prev.Close < prev.Open && curr.Close > prev.Open
}

// isCandleBreakShort: prior bar bullish and the current close drops below its open.
func isCandleBreakShort(prev, curr market.Bar) bool {
	return prev.Close > prev.Open && curr.Close < prev.Open
}
