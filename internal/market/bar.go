package market

import (
	"fmt"
	"time"
)

// Bar is one OHLC candle. Bars are immutable once recorded.
type Bar struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// IsBullish reports close > open
func (b Bar) IsBullish() bool {
	return b.Close > b.Open
}

// IsBearish reports close < open
func (b Bar) IsBearish() bool {
	return b.Close < b.Open
}

// Duration is the wall-clock span the bar covers.
func (b Bar) Duration() time.Duration {
	return b.CloseTime.Sub(b.OpenTime)
}

// Validate checks prices are positive, high >= low and the bar does not
// close before it opens. A bar that fails is skipped by every consumer
// rather than aborting the run. Open and close may sit outside [low, high].
func (b Bar) Validate() error {
	switch {
	case b.OpenTime.IsZero():
		return fmt.Errorf("bar has no open time")
	case b.CloseTime.Before(b.OpenTime):
		return fmt.Errorf("bar at %s closes before it opens", b.OpenTime.Format(time.RFC3339))
	case b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0:
		return fmt.Errorf("bar at %s has non-positive price", b.OpenTime.Format(time.RFC3339))
	case b.High < b.Low:
		return fmt.Errorf("bar at %s has high below low", b.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// Series is a time-ordered run of bars for one symbol and timeframe.
type Series struct {
	Symbol    string
	Timeframe string
	Bars      []Bar
}

// Clean returns the valid bars in order plus how many were dropped.
// Bars that repeat or go back in time are dropped as well.
func Clean(bars []Bar) ([]Bar, int) {
	out := make([]Bar, 0, len(bars))
	skipped := 0
	for _, b := range bars {
		if b.Validate() != nil {
			skipped++
			continue
		}
		if n := len(out); n > 0 && !b.OpenTime.After(out[n-1].OpenTime) {
			skipped++
			continue
		}
		out = append(out, b)
	}
	return out, skipped
}
