package timeframe

import (
	"fmt"
	"time"

	"candle-break-backtester/internal/market"
)

const day = 24 * time.Hour

// weekAnchor is a Monday; multi-week buckets count from here.
var weekAnchor = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// Resample aggregates 1m bars into the frame named by label.
//
// Rollover rules: sub-daily buckets never cross 00:00 UTC (the last bucket of
// a day is cut short), day-multiple buckets restart on 1 January, weeks start
// on Monday and never roll over, months restart on 1 January.
func Resample(bars []market.Bar, label string) ([]market.Bar, error) {
	frame, err := Parse(label)
	if err != nil {
		return nil, err
	}
	if frame.Unit != Month && frame.Duration() < time.Minute {
		return nil, fmt.Errorf("timeframe %s is finer than the source bars", label)
	}
	if frame.Unit != Minute && frame.Unit != Hour && frame.Count != float64(int(frame.Count)) {
		return nil, fmt.Errorf("timeframe %s must be a whole number of %s", label, frame.Unit)
	}

	clean, _ := market.Clean(bars)

	var (
		out     []market.Bar
		current *market.Bar
		end     time.Time
	)
	for _, b := range clean {
		t := b.OpenTime.UTC()
		if current == nil || !t.Before(end) {
			if current != nil {
				out = append(out, *current)
			}
			start, stop := frame.bucket(t)
			end = stop
			current = &market.Bar{
				OpenTime:  start,
				CloseTime: stop.Add(-time.Millisecond),
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
			continue
		}
		if b.High > current.High {
			current.High = b.High
		}
		if b.Low < current.Low {
			current.Low = b.Low
		}
		current.Close = b.Close
		current.Volume += b.Volume
	}
	if current != nil {
		out = append(out, *current)
	}
	return out, nil
}

// bucket returns the [start, end) window containing t.
func (f Frame) bucket(t time.Time) (time.Time, time.Time) {
	switch f.Unit {
	case Minute, Hour:
		midnight := t.Truncate(day)
		period := f.Duration()
		start := midnight.Add(t.Sub(midnight) / period * period)
		end := start.Add(period)
		if next := midnight.Add(day); end.After(next) {
			end = next
		}
		return start, end
	case Day:
		n := int(f.Count)
		yearStart := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		days := int(t.Sub(yearStart) / day)
		start := yearStart.AddDate(0, 0, days/n*n)
		end := start.AddDate(0, 0, n)
		if next := yearStart.AddDate(1, 0, 0); end.After(next) {
			end = next
		}
		return start, end
	case Week:
		period := time.Duration(f.Count) * 7 * day
		start := weekAnchor.Add(t.Sub(weekAnchor) / period * period)
		return start, start.Add(period)
	default:
		n := int(f.Count)
		month := (int(t.Month())-1)/n*n + 1
		start := time.Date(t.Year(), time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, n, 0)
		if next := time.Date(t.Year()+1, 1, 1, 0, 0, 0, 0, time.UTC); end.After(next) {
			end = next
		}
		return start, end
	}
}
