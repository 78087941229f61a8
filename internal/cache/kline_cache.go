package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
)

// PrefixKlinePage is the key layout for one downloaded page:
// symbol, interval, start ms, end ms.
const PrefixKlinePage = "klines:%s:%s:%d:%d"

const (
	// Closed historical pages never change.
	DefaultKlineTTL = 30 * 24 * time.Hour
	// DefaultMemoryPages bounds the degraded-mode copy.
	DefaultMemoryPages = 512
)

// KlineCache stores kline pages in Redis and keeps a bounded in-memory copy
// that serves reads while Redis is down.
type KlineCache struct {
	svc      *CacheService
	ttl      time.Duration
	maxPages int

	mu     sync.Mutex
	memory map[string][]market.Bar
	order  []string

	hits   atomic.Int64
	misses atomic.Int64
}

// KlineCacheStats reports cache effectiveness.
type KlineCacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	MemoryPages  int     `json:"memory_pages"`
	RedisHealthy bool    `json:"redis_healthy"`
	RedisErrors  int     `json:"redis_errors"`
}

// NewKlineCache wraps svc. A nil svc runs memory-only.
func NewKlineCache(svc *CacheService, ttl time.Duration, maxPages int) *KlineCache {
	if svc == nil {
		svc = NewDegradedCacheService()
	}
	if ttl <= 0 {
		ttl = DefaultKlineTTL
	}
	if maxPages <= 0 {
		maxPages = DefaultMemoryPages
	}
	return &KlineCache{
		svc:      svc,
		ttl:      ttl,
		maxPages: maxPages,
		memory:   make(map[string][]market.Bar),
	}
}

// KlinePageKey generates the cache key for a page.
func KlinePageKey(symbol, interval string, start, end time.Time) string {
	return fmt.Sprintf(PrefixKlinePage, symbol, interval, start.UnixMilli(), end.UnixMilli())
}

// GetPage returns the cached bars for a page.
func (kc *KlineCache) GetPage(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, bool) {
	key := KlinePageKey(symbol, interval, start, end)

	var bars []market.Bar
	err := kc.svc.GetJSON(ctx, key, &bars)
	if err == nil {
		kc.hits.Add(1)
		kc.remember(key, bars)
		return bars, true
	}
	if !errors.Is(err, ErrMiss) && !errors.Is(err, ErrUnavailable) {
		logging.WithComponent("cache").WithError(err).Debug("Kline page read failed", "key", key)
	}

	kc.mu.Lock()
	bars, ok := kc.memory[key]
	kc.mu.Unlock()
	if ok {
		kc.hits.Add(1)
		return bars, true
	}

	kc.misses.Add(1)
	return nil, false
}

// PutPage stores a page. The memory copy is always written; a Redis failure
// is logged and otherwise ignored.
func (kc *KlineCache) PutPage(ctx context.Context, symbol, interval string, start, end time.Time, bars []market.Bar) {
	key := KlinePageKey(symbol, interval, start, end)
	kc.remember(key, bars)

	if err := kc.svc.SetJSON(ctx, key, bars, kc.ttl); err != nil && !errors.Is(err, ErrUnavailable) {
		logging.WithComponent("cache").WithError(err).Warn("Kline page write failed", "key", key)
	}
}

func (kc *KlineCache) remember(key string, bars []market.Bar) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if _, ok := kc.memory[key]; !ok {
		kc.order = append(kc.order, key)
	}
	kc.memory[key] = bars

	for len(kc.order) > kc.maxPages {
		oldest := kc.order[0]
		kc.order = kc.order[1:]
		delete(kc.memory, oldest)
	}
}

// Stats returns hit/miss counters.
func (kc *KlineCache) Stats() KlineCacheStats {
	hits, misses := kc.hits.Load(), kc.misses.Load()
	stats := KlineCacheStats{
		Hits:         hits,
		Misses:       misses,
		RedisHealthy: kc.svc.IsHealthy(),
		RedisErrors:  kc.svc.Failures(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	kc.mu.Lock()
	stats.MemoryPages = len(kc.memory)
	kc.mu.Unlock()
	return stats
}
