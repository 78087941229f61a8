package binance

import (
	"context"
	"time"

	"candle-break-backtester/internal/market"
)

// KlineSource downloads historical bars.
type KlineSource interface {
	GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error)
}

// PageCache stores downloaded pages. cache.KlineCache implements it.
type PageCache interface {
	GetPage(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, bool)
	PutPage(ctx context.Context, symbol, interval string, start, end time.Time, bars []market.Bar)
}

// Ensure every source implements KlineSource
var _ KlineSource = (*Client)(nil)
var _ KlineSource = (*MockClient)(nil)
var _ KlineSource = (*CachedClient)(nil)
