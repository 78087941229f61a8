package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func klineRow(open time.Time, o, h, l, c float64) []interface{} {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []interface{}{
		open.UnixMilli(), f(o), f(h), f(l), f(c), "10",
		open.Add(time.Minute - time.Millisecond).UnixMilli(), "1000", 42, "5", "500", "0",
	}
}

// klineServer serves 1m rows for every minute in [startTime, endTime],
// capped at limit, with total minutes of history starting at t0.
func klineServer(t *testing.T, total int, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		startMs, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		endMs, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		rows := [][]interface{}{}
		for i := 0; i < total && len(rows) < limit; i++ {
			open := t0.Add(time.Duration(i) * time.Minute)
			ms := open.UnixMilli()
			if ms < startMs || ms > endMs {
				continue
			}
			rows = append(rows, klineRow(open, 100, 101, 99, 100.5))
		}
		json.NewEncoder(w).Encode(rows)
	}))
}

func testClient(url string) *Client {
	c := NewClient(url, WithRateLimiter(NewRateLimiter(0)), WithLogger(logging.Nop()))
	c.retryDelay = time.Millisecond
	return c
}

func TestGetKlinesRange_Pages(t *testing.T) {
	var calls int32
	srv := klineServer(t, 2500, &calls)
	defer srv.Close()

	bars, err := testClient(srv.URL).GetKlinesRange(context.Background(), "BTCUSDT", "1m", t0, t0.Add(2500*time.Minute))
	if err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}
	if len(bars) != 2500 {
		t.Fatalf("Expected 2500 bars, got %d", len(bars))
	}
	if calls != 3 {
		t.Errorf("Expected 3 page requests, got %d", calls)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].OpenTime.After(bars[i-1].OpenTime) {
			t.Fatalf("Bars out of order at %d", i)
		}
	}
	if !bars[0].OpenTime.Equal(t0) || bars[0].Close != 100.5 {
		t.Errorf("Unexpected first bar: %+v", bars[0])
	}
}

func TestGetKlinesRange_EndIsExclusive(t *testing.T) {
	var calls int32
	srv := klineServer(t, 100, &calls)
	defer srv.Close()

	bars, err := testClient(srv.URL).GetKlinesRange(context.Background(), "BTCUSDT", "1m", t0.Add(10*time.Minute), t0.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}
	if len(bars) != 10 {
		t.Errorf("Expected 10 bars, got %d", len(bars))
	}
}

func TestGetKlinesRange_DropsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]interface{}{
			klineRow(t0, 100, 101, 99, 100),
			klineRow(t0.Add(time.Minute), 100, 98, 99, 100), // high below low
			klineRow(t0.Add(2*time.Minute), 100, 101, 99, 100),
		})
	}))
	defer srv.Close()

	bars, err := testClient(srv.URL).GetKlinesRange(context.Background(), "BTCUSDT", "1m", t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("Expected malformed row to be dropped, got %d bars", len(bars))
	}
}

func TestGetKlines_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([][]interface{}{klineRow(t0, 100, 101, 99, 100)})
	}))
	defer srv.Close()

	klines, err := testClient(srv.URL).GetKlines(context.Background(), "BTCUSDT", "1m", t0, time.Time{}, 10)
	if err != nil {
		t.Fatalf("GetKlines failed: %v", err)
	}
	if len(klines) != 1 || calls != 3 {
		t.Errorf("Expected success on third attempt, got %d klines after %d calls", len(klines), calls)
	}
}

func TestGetKlines_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetKlines(context.Background(), "NOPE", "1m", t0, time.Time{}, 10)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected APIError 400, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected no retries, got %d calls", calls)
	}
}

func TestGetKlines_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.maxRetries = 2
	if _, err := c.GetKlines(context.Background(), "BTCUSDT", "1m", t0, time.Time{}, 10); err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("Expected 1 attempt + 2 retries, got %d calls", calls)
	}
}

func TestGetKlinesRange_RejectsEmptyRange(t *testing.T) {
	c := testClient("http://127.0.0.1:1")
	if _, err := c.GetKlinesRange(context.Background(), "BTCUSDT", "1m", t0, t0); err == nil {
		t.Error("Expected error for empty range")
	}
}

func TestRateLimiter_Ban(t *testing.T) {
	r := NewRateLimiter(0)
	if r.IsCircuitOpen() {
		t.Fatal("Expected closed circuit on a new limiter")
	}

	r.Ban(time.Hour)
	if !r.IsCircuitOpen() {
		t.Fatal("Expected open circuit after ban")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected Wait to block until ctx deadline, got %v", err)
	}
	if r.GetStatus()["consecutive_errors"] != 1 {
		t.Errorf("Expected 1 consecutive error, got %v", r.GetStatus()["consecutive_errors"])
	}

	r.RecordSuccess()
	if r.GetStatus()["consecutive_errors"] != 0 {
		t.Error("Expected RecordSuccess to reset the counter")
	}
}

func TestRateLimiter_WeightBudget(t *testing.T) {
	r := NewRateLimiter(0)
	r.maxWeight = 4

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := r.Wait(ctx, 2); err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, 2); err == nil {
		t.Error("Expected Wait to block once the weight budget is spent")
	}
}

func TestMockClient_Deterministic(t *testing.T) {
	mc := NewMockClient()
	ctx := context.Background()

	a, err := mc.GetKlinesRange(ctx, "BTCUSDT", "1m", t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}
	b, _ := mc.GetKlinesRange(ctx, "BTCUSDT", "1m", t0.Add(30*time.Minute), t0.Add(time.Hour))

	if len(a) != 60 || len(b) != 30 {
		t.Fatalf("Expected 60 and 30 bars, got %d and %d", len(a), len(b))
	}
	if a[30] != b[0] {
		t.Errorf("Expected overlapping ranges to agree, got %+v vs %+v", a[30], b[0])
	}
	for i, bar := range a {
		if err := bar.Validate(); err != nil {
			t.Fatalf("bar %d invalid: %v", i, err)
		}
		if i > 0 && bar.Open != a[i-1].Close {
			t.Fatalf("Expected bar %d to open at the previous close", i)
		}
	}

	if _, err := mc.GetKlinesRange(ctx, "BTCUSDT", "7m", t0, t0.Add(time.Hour)); err == nil {
		t.Error("Expected error for unsupported interval")
	}
}

type memoryPages struct {
	mu    sync.Mutex
	pages map[string][]market.Bar
}

func (m *memoryPages) GetPage(_ context.Context, symbol, interval string, start, _ time.Time) ([]market.Bar, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars, ok := m.pages[flightKey(symbol, interval, start)]
	return bars, ok
}

func (m *memoryPages) PutPage(_ context.Context, symbol, interval string, start, _ time.Time, bars []market.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[flightKey(symbol, interval, start)] = bars
}

type countingSource struct {
	inner KlineSource
	calls atomic.Int32
}

func (s *countingSource) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error) {
	s.calls.Add(1)
	return s.inner.GetKlinesRange(ctx, symbol, interval, start, end)
}

func TestCachedClient_ServesRepeatRangesFromCache(t *testing.T) {
	src := &countingSource{inner: NewMockClient()}
	pages := &memoryPages{pages: make(map[string][]market.Bar)}
	c := NewCachedClient(src, pages)
	ctx := context.Background()

	first, err := c.GetKlinesRange(ctx, "ETHUSDT", "1m", t0, t0.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}
	if len(first) != 90 {
		t.Fatalf("Expected 90 bars, got %d", len(first))
	}
	calls := src.calls.Load()

	second, err := c.GetKlinesRange(ctx, "ETHUSDT", "1m", t0.Add(10*time.Minute), t0.Add(40*time.Minute))
	if err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}
	if len(second) != 30 || second[0] != first[10] {
		t.Errorf("Expected cached sub-range to match, got %d bars", len(second))
	}
	if src.calls.Load() != calls {
		t.Errorf("Expected no new source calls, got %d more", src.calls.Load()-calls)
	}
	if c.Stats().Hits == 0 {
		t.Error("Expected cache hits")
	}
}

func TestCachedClient_DoesNotCacheOpenPages(t *testing.T) {
	src := &countingSource{inner: NewMockClient()}
	pages := &memoryPages{pages: make(map[string][]market.Bar)}
	c := NewCachedClient(src, pages)
	c.now = func() time.Time { return t0 }
	ctx := context.Background()

	if _, err := c.GetKlinesRange(ctx, "ETHUSDT", "1m", t0, t0.Add(30*time.Minute)); err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}
	perCall := src.calls.Load()
	if _, err := c.GetKlinesRange(ctx, "ETHUSDT", "1m", t0, t0.Add(30*time.Minute)); err != nil {
		t.Fatalf("GetKlinesRange failed: %v", err)
	}

	if len(pages.pages) != 0 {
		t.Errorf("Expected pages still forming to stay uncached, got %d pages", len(pages.pages))
	}
	if src.calls.Load() != 2*perCall {
		t.Errorf("Expected every call to reach the source, got %d calls", src.calls.Load())
	}
}
