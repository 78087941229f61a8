// Package cache keeps downloaded kline pages in Redis, with an in-memory copy
// that serves reads while Redis is down.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"candle-break-backtester/config"
	"candle-break-backtester/internal/logging"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned while Redis is marked unhealthy.
var ErrUnavailable = errors.New("redis unavailable")

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

const (
	maxFailures    = 3
	recheckEvery   = 30 * time.Second
	recheckTimeout = 2 * time.Second
)

// health trips after maxFailures consecutive errors and is rechecked with a
// ping at most once per recheckEvery.
type health struct {
	mu          sync.Mutex
	healthy     bool
	failures    int
	lastChecked time.Time
}

func (h *health) ok() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

func (h *health) recheckDue(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healthy || now.Sub(h.lastChecked) < recheckEvery {
		return false
	}
	h.lastChecked = now
	return true
}

func (h *health) fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	if h.failures >= maxFailures && h.healthy {
		h.healthy = false
		logging.WithComponent("cache").Warn("Redis marked unhealthy, kline pages served from memory", "failures", h.failures)
	}
}

func (h *health) succeed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.healthy {
		logging.WithComponent("cache").Info("Redis recovered")
	}
	h.healthy = true
	h.failures = 0
	h.lastChecked = time.Now()
}

// CacheService is a JSON key/value view of Redis that degrades to
// ErrUnavailable instead of blocking the download path.
type CacheService struct {
	client  *redis.Client
	address string
	health  health
}

// NewCacheService connects to Redis. A failed first ping still returns a
// service, marked unhealthy until a later recheck succeeds.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	cs := &CacheService{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		address: cfg.Address,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.health.lastChecked = time.Now()
		logging.WithComponent("cache").WithError(err).Warn("Initial Redis connection failed, running degraded", "address", cfg.Address)
		return cs, nil
	}
	cs.health.succeed()
	logging.WithComponent("cache").Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

// NewDegradedCacheService returns a service with no Redis behind it. Every
// operation reports ErrUnavailable.
func NewDegradedCacheService() *CacheService {
	return &CacheService{}
}

// IsHealthy reports whether Redis is currently used.
func (cs *CacheService) IsHealthy() bool {
	return cs.health.ok()
}

// Failures is the current run of consecutive Redis errors.
func (cs *CacheService) Failures() int {
	cs.health.mu.Lock()
	defer cs.health.mu.Unlock()
	return cs.health.failures
}

// do runs op against Redis when it is healthy. A missing key is not a failure.
func (cs *CacheService) do(ctx context.Context, op func(context.Context) error) error {
	if cs.client == nil {
		return ErrUnavailable
	}
	if cs.health.recheckDue(time.Now()) {
		pingCtx, cancel := context.WithTimeout(ctx, recheckTimeout)
		err := cs.client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			cs.health.succeed()
		}
	}
	if !cs.health.ok() {
		return ErrUnavailable
	}

	err := op(ctx)
	switch {
	case err == nil:
		cs.health.succeed()
		return nil
	case errors.Is(err, redis.Nil):
		return ErrMiss
	default:
		cs.health.fail()
		return err
	}
}

// GetJSON reads key into dest.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	var data []byte
	err := cs.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = cs.client.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, ErrMiss) || errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("redis get %s failed: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value under key for ttl.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	err = cs.do(ctx, func(ctx context.Context) error {
		return cs.client.Set(ctx, key, data, ttl).Err()
	})
	if err != nil && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("redis set %s failed: %w", key, err)
	}
	return err
}

// GetClient returns the Redis client for stores that need pipelines.
// It is nil for a degraded service.
func (cs *CacheService) GetClient() *redis.Client {
	return cs.client
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client == nil {
		return nil
	}
	return cs.client.Close()
}
