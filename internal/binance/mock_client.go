package binance

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"candle-break-backtester/internal/market"
)

// MockClient provides simulated market data for development/testing. Bars
// are a pure function of symbol and open time, so any range is reproducible.
type MockClient struct {
	prices map[string]float64
}

// NewMockClient creates a new mock client
func NewMockClient() *MockClient {
	// Realistic base prices
	return &MockClient{
		prices: map[string]float64{
			"BTCUSDT":  64500.00,
			"ETHUSDT":  3400.00,
			"BNBUSDT":  580.00,
			"SOLUSDT":  150.00,
			"XRPUSDT":  0.60,
			"ADAUSDT":  0.45,
			"DOGEUSDT": 0.15,
			"LINKUSDT": 17.50,
			"LTCUSDT":  85.00,
		},
	}
}

// intervalDuration maps exchange interval names to bar lengths
func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "8h":
		return 8 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported interval %q", interval)
}

// priceAt is a slow wave plus a faster one so both directions of candle
// break occur at every timeframe.
func (mc *MockClient) priceAt(symbol string, t time.Time) float64 {
	base, ok := mc.prices[symbol]
	if !ok {
		base = 100.0
	}
	x := float64(t.Unix())
	slow := 0.03 * math.Sin(2*math.Pi*x/(6*3600))
	fast := 0.01 * math.Sin(2*math.Pi*x/(37*60))
	return base * (1 + slow + fast)
}

// GetKlinesRange returns simulated bars with open time in [start, end).
func (mc *MockClient) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error) {
	step, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, fmt.Errorf("empty kline range %s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	seed := int64(h.Sum64())

	first := start.UTC().Truncate(step)
	if first.Before(start) {
		first = first.Add(step)
	}

	var bars []market.Bar
	for open := first; open.Before(end); open = open.Add(step) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(seed ^ open.UnixMilli()))

		o := mc.priceAt(symbol, open)
		c := mc.priceAt(symbol, open.Add(step))
		high := math.Max(o, c) * (1 + rng.Float64()*0.002)
		low := math.Min(o, c) * (1 - rng.Float64()*0.002)

		bars = append(bars, market.Bar{
			OpenTime:  open,
			CloseTime: open.Add(step - time.Millisecond),
			Open:      o,
			High:      high,
			Low:       low,
			Close:     c,
			Volume:    100 + rng.Float64()*900,
		})
	}
	return bars, nil
}
