package timeframe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unit is the base unit of a chart period descriptor.
type Unit string

const (
	Minute Unit = "m"
	Hour   Unit = "H"
	Day    Unit = "D"
	Week   Unit = "W"
	Month  Unit = "M"
)

// fractionalLabels rewrites hour labels produced by non-integer hour
// multipliers into minute counts. Exact match only.
var fractionalLabels = map[string]string{
	"1.2H":          "72m",
	"1.3333333333H": "80m",
	"1.5H":          "90m",
	"1.6H":          "96m",
	"2.4H":          "144m",
	"2.6666666667H": "160m",
	"4.8H":          "288m",
}

// Normalize maps a period descriptor to its canonical label. Intraday periods
// are given in minutes: 60 and above become "<hours>H", below 60 "<minutes>m".
// Fractional hour labels without a table entry are returned unchanged together
// with an *UnmappedTimeframeError the caller may log and ignore.
func Normalize(unit Unit, multiplier float64) (string, error) {
	if multiplier <= 0 {
		return "", fmt.Errorf("invalid timeframe multiplier %v", multiplier)
	}

	switch unit {
	case Minute:
		if multiplier < 60 {
			return formatNumber(multiplier) + string(Minute), nil
		}
		label := formatNumber(multiplier/60) + string(Hour)
		if mapped, ok := fractionalLabels[label]; ok {
			return mapped, nil
		}
		if strings.Contains(label, ".") {
			return label, &UnmappedTimeframeError{Label: label}
		}
		return label, nil
	case Day, Week, Month:
		return formatNumber(multiplier) + string(unit), nil
	default:
		return "", fmt.Errorf("unknown timeframe unit %q", unit)
	}
}

// formatNumber prints at most ten decimals and trims trailing zeros.
func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', 10, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// Frame is a parsed timeframe label.
type Frame struct {
	Count float64
	Unit  Unit
}

// Parse reads labels such as "90m", "4H", "4h", "3D", "1W", "2M".
func Parse(label string) (Frame, error) {
	label = strings.TrimSpace(label)
	if len(label) < 2 {
		return Frame{}, fmt.Errorf("invalid timeframe label %q", label)
	}

	suffix := label[len(label)-1:]
	var unit Unit
	switch suffix {
	case "m":
		unit = Minute
	case "h", "H":
		unit = Hour
	case "d", "D":
		unit = Day
	case "w", "W":
		unit = Week
	case "M":
		unit = Month
	default:
		return Frame{}, fmt.Errorf("invalid timeframe unit in %q", label)
	}

	n, err := strconv.ParseFloat(label[:len(label)-1], 64)
	if err != nil || n <= 0 {
		return Frame{}, fmt.Errorf("invalid timeframe count in %q", label)
	}
	return Frame{Count: n, Unit: unit}, nil
}

// Duration returns the nominal length of the frame. Months count as 30 days.
func (f Frame) Duration() time.Duration {
	var unit time.Duration
	switch f.Unit {
	case Minute:
		unit = time.Minute
	case Hour:
		unit = time.Hour
	case Day:
		unit = 24 * time.Hour
	case Week:
		unit = 7 * 24 * time.Hour
	case Month:
		unit = 30 * 24 * time.Hour
	}
	return time.Duration(f.Count * float64(unit))
}

// SubDaily reports whether buckets of this frame roll over at midnight UTC.
func (f Frame) SubDaily() bool {
	return f.Unit == Minute || f.Unit == Hour
}

// Duration parses label and returns its nominal length.
func Duration(label string) (time.Duration, error) {
	f, err := Parse(label)
	if err != nil {
		return 0, err
	}
	return f.Duration(), nil
}

// Canonical applies the fractional-hour rewrite to an existing label, so
// "1.5H" becomes "90m". Unmapped fractional labels pass through with an
// *UnmappedTimeframeError.
func Canonical(label string) (string, error) {
	if mapped, ok := fractionalLabels[label]; ok {
		return mapped, nil
	}
	if strings.HasSuffix(label, string(Hour)) && strings.Contains(label, ".") {
		return label, &UnmappedTimeframeError{Label: label}
	}
	return label, nil
}
