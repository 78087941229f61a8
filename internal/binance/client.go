package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/market"
	"candle-break-backtester/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

const (
	// MaxKlinesPerRequest is the exchange's page size ceiling.
	MaxKlinesPerRequest = 1000
	klinesEndpoint      = "/api/v3/klines"
	klinesWeight        = 2
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	maxRetries uint64
	retryDelay time.Duration
	logger     *logging.Logger
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRateLimiter replaces the default limiter.
func WithRateLimiter(l *RateLimiter) ClientOption {
	return func(cl *Client) { cl.limiter = l }
}

// WithMaxRetries bounds retries per page. Zero disables retrying.
func WithMaxRetries(n int) ClientOption {
	return func(cl *Client) {
		if n >= 0 {
			cl.maxRetries = uint64(n)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    NewRateLimiter(DefaultRequestsPerSecond),
		maxRetries: 5,
		retryDelay: 500 * time.Millisecond,
		logger:     logging.Default().WithComponent("binance"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kline represents a candlestick
type Kline struct {
	OpenTime                 int64   `json:"openTime"`
	Open                     float64 `json:"open,string"`
	High                     float64 `json:"high,string"`
	Low                      float64 `json:"low,string"`
	Close                    float64 `json:"close,string"`
	Volume                   float64 `json:"volume,string"`
	CloseTime                int64   `json:"closeTime"`
	QuoteAssetVolume         float64 `json:"quoteAssetVolume,string"`
	NumberOfTrades           int     `json:"numberOfTrades"`
	TakerBuyBaseAssetVolume  float64 `json:"takerBuyBaseAssetVolume,string"`
	TakerBuyQuoteAssetVolume float64 `json:"takerBuyQuoteAssetVolume,string"`
}

// Bar converts the exchange row into a market bar.
func (k Kline) Bar() market.Bar {
	return market.Bar{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	}
}

// APIError is a non-200 response from the exchange.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusTeapot ||
		e.StatusCode >= 500
}

// GetKlines fetches one page of candlesticks with open time in [start, end].
// Zero times are omitted from the request.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Kline, error) {
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, klinesEndpoint, params.Encode())

	var klines []Kline
	operation := func() error {
		if err := c.limiter.Wait(ctx, klinesWeight); err != nil {
			return backoff.Permanent(err)
		}

		page, err := c.fetchKlines(ctx, endpoint)
		if err == nil {
			klines = page
			c.limiter.RecordSuccess()
			metrics.KlineRequests.WithLabelValues("ok").Inc()
			return nil
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			metrics.KlineRequests.WithLabelValues("rejected").Inc()
			return err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusTeapot {
				c.limiter.Ban(apiErr.RetryAfter)
			}
			if !apiErr.Retryable() {
				metrics.KlineRequests.WithLabelValues("rejected").Inc()
				return backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		metrics.KlineRequests.WithLabelValues("retry").Inc()
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		logging.BinanceAPIContext(klinesEndpoint, map[string]interface{}{
			"symbol":   symbol,
			"interval": interval,
		}).WithError(err).Warn("Kline request failed, retrying", "wait", wait.String())
	}

	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		metrics.KlineRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("error fetching klines for %s %s: %w", symbol, interval, err)
	}
	return klines, nil
}

func (c *Client) fetchKlines(ctx context.Context, endpoint string) ([]Kline, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, apiErr
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("error parsing klines: %w", err))
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 11 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:                 parseInt(raw[0]),
			Open:                     parseFloat(raw[1]),
			High:                     parseFloat(raw[2]),
			Low:                      parseFloat(raw[3]),
			Close:                    parseFloat(raw[4]),
			Volume:                   parseFloat(raw[5]),
			CloseTime:                parseInt(raw[6]),
			QuoteAssetVolume:         parseFloat(raw[7]),
			NumberOfTrades:           int(parseInt(raw[8])),
			TakerBuyBaseAssetVolume:  parseFloat(raw[9]),
			TakerBuyQuoteAssetVolume: parseFloat(raw[10]),
		})
	}

	return klines, nil
}

// GetKlinesRange pages through every bar with open time in [start, end).
// Malformed rows are dropped and counted by market.Clean.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Bar, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("empty kline range %s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	var bars []market.Bar
	cursor := start
	for cursor.Before(end) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := c.GetKlines(ctx, symbol, interval, cursor, end.Add(-time.Millisecond), MaxKlinesPerRequest)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, k := range page {
			bars = append(bars, k.Bar())
		}

		next := time.UnixMilli(page[len(page)-1].OpenTime + 1).UTC()
		if !next.After(cursor) || len(page) < MaxKlinesPerRequest {
			break
		}
		cursor = next
	}

	clean, skipped := market.Clean(bars)
	if skipped > 0 {
		metrics.BarsSkipped.WithLabelValues(symbol, interval).Add(float64(skipped))
		c.logger.Warn("Dropped malformed klines", "symbol", symbol, "interval", interval, "skipped", skipped)
	}
	return clean, nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

func parseInt(val interface{}) int64 {
	switch v := val.(type) {
	case float64:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}
