package binance

import (
	"context"
	"sync"
	"time"

	"candle-break-backtester/internal/logging"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerSecond keeps a full-history download well under the
	// spot weight budget.
	DefaultRequestsPerSecond = 10
	// DefaultMaxWeight is the spot API weight budget per minute.
	DefaultMaxWeight = 6000
	maxBan           = 5 * time.Minute
)

// RateLimiter paces requests with a token bucket, tracks the per-minute
// weight budget, and holds every caller while the exchange has banned us.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	// Circuit breaker state
	banUntil          time.Time
	consecutiveErrors int

	// Weight tracking (the exchange uses weight-based limits)
	currentWeight int
	weightResetAt time.Time
	maxWeight     int
}

// NewRateLimiter creates a limiter allowing requestsPerSecond. A non-positive
// rate disables pacing but keeps weight and ban tracking.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		if requestsPerSecond > 1 {
			burst = int(requestsPerSecond)
		}
	}
	return &RateLimiter{
		limiter:       rate.NewLimiter(limit, burst),
		maxWeight:     DefaultMaxWeight,
		weightResetAt: time.Now().Add(time.Minute),
	}
}

// Wait blocks until a request of the given weight may be sent or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context, weight int) error {
	for {
		wait := r.reserveWeight(weight)
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.limiter.Wait(ctx)
}

// reserveWeight records weight and returns zero, or returns how long to wait
// for a ban to lift or the weight window to reset.
func (r *RateLimiter) reserveWeight(weight int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.banUntil) {
		return r.banUntil.Sub(now)
	}
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}
	if r.currentWeight+weight > r.maxWeight {
		return r.weightResetAt.Sub(now)
	}
	r.currentWeight += weight
	return 0
}

// Ban opens the circuit breaker. A non-positive retryAfter backs off
// exponentially on consecutive bans.
func (r *RateLimiter) Ban(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	if retryAfter <= 0 {
		retryAfter = time.Duration(1<<uint(r.consecutiveErrors)) * time.Second
	}
	if retryAfter > maxBan {
		retryAfter = maxBan
	}
	r.banUntil = time.Now().Add(retryAfter)

	logging.WithComponent("rate-limiter").Warn("Circuit breaker open, requests paused",
		"until", r.banUntil.Format(time.RFC3339), "consecutive_errors", r.consecutiveErrors)
}

// RecordSuccess resets the consecutive ban counter.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	r.consecutiveErrors = 0
	r.mu.Unlock()
}

// IsCircuitOpen returns true while a ban is in force
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.banUntil)
}

// GetStatus returns the current rate limiter status
func (r *RateLimiter) GetStatus() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := map[string]interface{}{
		"circuit_open":       time.Now().Before(r.banUntil),
		"current_weight":     r.currentWeight,
		"max_weight":         r.maxWeight,
		"weight_usage_pct":   float64(r.currentWeight) / float64(r.maxWeight) * 100,
		"consecutive_errors": r.consecutiveErrors,
	}
	if time.Now().Before(r.banUntil) {
		status["ban_until"] = r.banUntil.Format(time.RFC3339)
	}
	return status
}
