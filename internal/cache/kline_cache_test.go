package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"candle-break-backtester/internal/market"
)

func page(n int) []market.Bar {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		open := start.Add(time.Duration(i) * time.Minute)
		bars[i] = market.Bar{
			OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond),
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1,
		}
	}
	return bars
}

func TestKlineCache_DegradedModeServesFromMemory(t *testing.T) {
	kc := NewKlineCache(nil, 0, 0)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Minute)

	if _, ok := kc.GetPage(ctx, "BTCUSDT", "1m", start, end); ok {
		t.Fatal("Expected miss on empty cache")
	}

	kc.PutPage(ctx, "BTCUSDT", "1m", start, end, page(3))

	bars, ok := kc.GetPage(ctx, "BTCUSDT", "1m", start, end)
	if !ok || len(bars) != 3 {
		t.Fatalf("Expected 3 cached bars, got %d (ok=%v)", len(bars), ok)
	}
	if _, ok := kc.GetPage(ctx, "ETHUSDT", "1m", start, end); ok {
		t.Error("Expected miss for another symbol")
	}

	stats := kc.Stats()
	if stats.Hits != 1 || stats.Misses != 2 || stats.RedisHealthy {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestKlineCache_EvictsOldestPages(t *testing.T) {
	kc := NewKlineCache(nil, time.Hour, 2)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		kc.PutPage(ctx, "BTCUSDT", "1m", start, start.Add(time.Hour), page(1))
	}

	if _, ok := kc.GetPage(ctx, "BTCUSDT", "1m", base, base.Add(time.Hour)); ok {
		t.Error("Expected the first page to be evicted")
	}
	if got := kc.Stats().MemoryPages; got != 2 {
		t.Errorf("Expected 2 pages in memory, got %d", got)
	}
}

func TestKlinePageKey(t *testing.T) {
	start := time.UnixMilli(1709251200000).UTC()
	key := KlinePageKey("BTCUSDT", "1m", start, start.Add(time.Minute))
	if key != "klines:BTCUSDT:1m:1709251200000:1709251260000" {
		t.Errorf("Unexpected key %s", key)
	}
}

func TestDegradedCacheService(t *testing.T) {
	cs := NewDegradedCacheService()
	ctx := context.Background()

	if cs.IsHealthy() {
		t.Error("Expected degraded service to be unhealthy")
	}
	var bars []market.Bar
	if err := cs.GetJSON(ctx, "k", &bars); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if err := cs.SetJSON(ctx, "k", page(1), time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if cs.GetClient() != nil {
		t.Error("Expected no client behind a degraded service")
	}
	if cs.Failures() != 0 {
		t.Errorf("Expected no counted failures, got %d", cs.Failures())
	}
	if err := cs.Close(); err != nil {
		t.Errorf("Expected nil Close, got %v", err)
	}
}

func TestHealthTripsAfterConsecutiveFailures(t *testing.T) {
	var h health
	h.succeed()
	for i := 0; i < maxFailures-1; i++ {
		h.fail()
	}
	if !h.ok() {
		t.Fatalf("Expected healthy below %d failures", maxFailures)
	}
	h.fail()
	if h.ok() {
		t.Fatal("Expected unhealthy after consecutive failures")
	}

	now := time.Now()
	if h.recheckDue(now) {
		t.Error("Expected no recheck right after the last success")
	}
	if !h.recheckDue(now.Add(recheckEvery)) {
		t.Error("Expected a recheck once the interval passed")
	}
	if h.recheckDue(now.Add(recheckEvery)) {
		t.Error("Expected one recheck per interval")
	}

	h.succeed()
	if !h.ok() || h.failures != 0 {
		t.Errorf("Expected success to reset health, got ok=%v failures=%d", h.ok(), h.failures)
	}
}
