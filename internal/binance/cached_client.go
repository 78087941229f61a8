package binance

import (
	"context"
	"sync/atomic"
	"time"

	"candle-break-backtester/internal/market"

	"golang.org/x/sync/singleflight"
)

// CachedClient wraps a KlineSource with cache-first page reads. Ranges are
// split into fixed pages of MaxKlinesPerRequest bars, so overlapping
// requests share cache keys. Concurrent fetches of the same page
// are collapsed into one request.
type CachedClient struct {
	source KlineSource
	cache  PageCache
	now    func() time.Time

	flight       singleflight.Group
	hits         atomic.Int64
	misses       atomic.Int64
	deduplicated atomic.Int64
}

// CachedClientStats tracks page cache effectiveness
type CachedClientStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Deduplicated int64 `json:"deduplicated"` // Requests that waited for in-flight
}

// NewCachedClient creates a cache-aware wrapper around source
func NewCachedClient(source KlineSource, cache PageCache) *CachedClient {
	return &CachedClient{
		source: source,
		cache:  cache,
		now:    time.Now,
	}
}

// GetKlinesRange returns bars with open time in [start, end), served from
// cached pages where possible.
func (c *CachedClient) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error) {
	step, err := intervalDuration(interval)
	if err != nil {
		// Unknown page geometry; go straight to the source.
		return c.source.GetKlinesRange(ctx, symbol, interval, start, end)
	}
	span := step * MaxKlinesPerRequest

	var bars []market.Bar
	for page := start.UTC().Truncate(span); page.Before(end); page = page.Add(span) {
		pageBars, err := c.page(ctx, symbol, interval, page, page.Add(span))
		if err != nil {
			return nil, err
		}
		for _, b := range pageBars {
			if !b.OpenTime.Before(start) && b.OpenTime.Before(end) {
				bars = append(bars, b)
			}
		}
	}
	return bars, nil
}

func (c *CachedClient) page(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error) {
	if cached, ok := c.cache.GetPage(ctx, symbol, interval, start, end); ok {
		c.hits.Add(1)
		return cached, nil
	}
	c.misses.Add(1)

	key := flightKey(symbol, interval, start)
	v, err, shared := c.flight.Do(key, func() (interface{}, error) {
		bars, err := c.source.GetKlinesRange(ctx, symbol, interval, start, end)
		if err != nil {
			return nil, err
		}
		// Pages still forming are never cached.
		if !end.After(c.now()) {
			c.cache.PutPage(ctx, symbol, interval, start, end, bars)
		}
		return bars, nil
	})
	if shared {
		c.deduplicated.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.([]market.Bar), nil
}

func flightKey(symbol, interval string, start time.Time) string {
	return symbol + ":" + interval + ":" + start.UTC().Format(time.RFC3339)
}

// Stats returns cache statistics for monitoring
func (c *CachedClient) Stats() CachedClientStats {
	return CachedClientStats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Deduplicated: c.deduplicated.Load(),
	}
}
