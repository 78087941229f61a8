package patterns

import (
	"github.com/shopspring/decimal"
)

const (
	// RetracementRatio extends the prior bar's range from its open.
	RetracementRatio = 0.618

	// DefaultAlertThreshold is the minimum percentage move that alerts.
	DefaultAlertThreshold = 0.4

	percentDecimals = 4
)

// FibLevels are the retracement levels beyond the entry on the losing side.
type FibLevels struct {
	Half      float64 `json:"fib_0_5"`
	Zero      float64 `json:"fib_0"`
	MinusHalf float64 `json:"fib_neg_0_5"`
	MinusOne  float64 `json:"fib_neg_1"`
}

// Target is the output of the target calculator for one event.
type Target struct {
	Entry                float64   `json:"entry_price"`
	Price                float64   `json:"target_price"`
	PercentageDifference float64   `json:"percentage_difference"`
	Digits               int       `json:"digits"`
	MeetsAlertThreshold  bool      `json:"meets_alert_threshold"`
	Fib                  FibLevels `json:"fib_levels"`
}

// TargetCalculator turns a pattern event into a priced target.
type TargetCalculator struct {
	ratio     decimal.Decimal
	threshold decimal.Decimal
}

// NewTargetCalculator creates a calculator. Non-positive ratio falls back to
// RetracementRatio; a negative threshold falls back to DefaultAlertThreshold.
func NewTargetCalculator(ratio, alertThreshold float64) *TargetCalculator {
	if ratio <= 0 {
		ratio = RetracementRatio
	}
	if alertThreshold < 0 {
		alertThreshold = DefaultAlertThreshold
	}
	return &TargetCalculator{
		ratio:     decimal.NewFromFloat(ratio),
		threshold: decimal.NewFromFloat(alertThreshold),
	}
}

// Digits returns the decimal places used for a price of this magnitude.
func Digits(price float64) int {
	switch {
	case price < 1:
		return 4
	case price < 10:
		return 3
	default:
		return 2
	}
}

// RoundPrice rounds half away from zero to the given decimal places.
func RoundPrice(v float64, digits int) float64 {
	return decimal.NewFromFloat(v).Round(int32(digits)).InexactFloat64()
}

// Calculate computes target, percentage and fib levels for ev. The result
// depends only on the prior bar, so identical bars give identical targets.
func (tc *TargetCalculator) Calculate(ev PatternEvent) Target {
	entry := decimal.NewFromFloat(ev.PriorOpen)
	digits := Digits(ev.PriorOpen)
	places := int32(digits)

	var (
		base, target decimal.Decimal
		fib          FibLevels
	)

	if ev.Direction == Long {
		base = entry.Sub(decimal.NewFromFloat(ev.PriorLow))
		target = entry.Add(base.Mul(tc.ratio))
		fib = FibLevels{
			Half:      entry.Sub(base.Mul(decimal.NewFromFloat(0.5))).Round(places).InexactFloat64(),
			Zero:      decimal.NewFromFloat(ev.PriorLow).Round(places).InexactFloat64(),
			MinusHalf: entry.Sub(base.Mul(decimal.NewFromFloat(1.5))).Round(places).InexactFloat64(),
			MinusOne:  entry.Sub(base.Mul(decimal.NewFromInt(2))).Round(places).InexactFloat64(),
		}
	} else {
		base = decimal.NewFromFloat(ev.PriorHigh).Sub(entry)
		target = entry.Sub(base.Mul(tc.ratio))
		fib = FibLevels{
			Half:      entry.Add(base.Mul(decimal.NewFromFloat(0.5))).Round(places).InexactFloat64(),
			Zero:      decimal.NewFromFloat(ev.PriorHigh).Round(places).InexactFloat64(),
			MinusHalf: entry.Add(base.Mul(decimal.NewFromFloat(1.5))).Round(places).InexactFloat64(),
			MinusOne:  entry.Add(base.Mul(decimal.NewFromInt(2))).Round(places).InexactFloat64(),
		}
	}
	target = target.Round(places)

	pct := decimal.Zero
	if !entry.IsZero() {
		move := target.Sub(entry)
		if ev.Direction == Short {
			move = entry.Sub(target)
		}
		pct = move.Div(entry).Mul(decimal.NewFromInt(100)).Round(percentDecimals)
	}

	return Target{
		Entry:                ev.PriorOpen,
		Price:                target.InexactFloat64(),
		PercentageDifference: pct.InexactFloat64(),
		Digits:               digits,
		MeetsAlertThreshold:  pct.GreaterThanOrEqual(tc.threshold),
		Fib:                  fib,
	}
}
