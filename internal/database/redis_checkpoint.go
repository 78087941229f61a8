// Redis-backed simulator checkpoints.
//
// Checkpoints are shared between the CLI and the API process through Redis.
// When Redis is unavailable the store keeps checkpoints in memory so a run can
// finish; they are pushed back with SyncCacheToRedis once Redis recovers.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/logging"

	"github.com/redis/go-redis/v9"
)

const (
	// CheckpointKeyPrefix is the key prefix for run checkpoints
	// Format: backtest:checkpoint:{runID}
	CheckpointKeyPrefix = "backtest:checkpoint"

	// CheckpointListKey is the set of run ids with a checkpoint
	CheckpointListKey = "backtest:checkpoints"

	// CheckpointTTL keeps abandoned runs from piling up
	CheckpointTTL = 7 * 24 * time.Hour
)

// RedisCheckpointStore implements backtest.CheckpointStore on Redis with an
// in-memory fallback.
type RedisCheckpointStore struct {
	client         *redis.Client
	inMemoryCache  map[string][]byte
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
	logger         *logging.Logger
}

// NewRedisCheckpointStore creates a store. A nil client runs memory-only.
func NewRedisCheckpointStore(client *redis.Client, logger *logging.Logger) *RedisCheckpointStore {
	if logger == nil {
		logger = logging.Default()
	}
	s := &RedisCheckpointStore{
		client:        client,
		inMemoryCache: make(map[string][]byte),
		logger:        logger.WithComponent("redis-checkpoint"),
	}

	if client == nil {
		s.logger.Info("No Redis client provided, using in-memory checkpoints only")
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("Redis unavailable at startup, using in-memory checkpoints", "error", err.Error())
	} else {
		s.logger.Info("Redis connected")
		s.redisAvailable.Store(true)
	}
	return s
}

func (s *RedisCheckpointStore) Name() string { return "redis" }

func (s *RedisCheckpointStore) key(runID string) string {
	return fmt.Sprintf("%s:%s", CheckpointKeyPrefix, runID)
}

// Save always updates the memory copy, then Redis when it is reachable.
func (s *RedisCheckpointStore) Save(ctx context.Context, state *backtest.State) error {
	if state == nil {
		return errors.New("cannot save nil checkpoint")
	}
	data, err := backtest.EncodeState(state)
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.inMemoryCache[state.RunID] = data
	s.cacheMu.Unlock()

	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(state.RunID), data, CheckpointTTL)
	pipe.SAdd(ctx, CheckpointListKey, state.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("Failed to save checkpoint to Redis, kept in memory",
			"run_id", state.RunID, "error", err.Error())
		s.redisAvailable.Store(false)
	}
	return nil
}

// Load prefers Redis and falls back to the memory copy.
func (s *RedisCheckpointStore) Load(ctx context.Context, runID string) (*backtest.State, error) {
	if s.client != nil && s.redisAvailable.Load() {
		data, err := s.client.Get(ctx, s.key(runID)).Bytes()
		switch {
		case err == nil:
			s.cacheMu.Lock()
			s.inMemoryCache[runID] = data
			s.cacheMu.Unlock()
			return backtest.DecodeState(s.key(runID), data)
		case errors.Is(err, redis.Nil):
		default:
			s.logger.Warn("Redis read error, using in-memory checkpoint", "run_id", runID, "error", err.Error())
			s.redisAvailable.Store(false)
		}
	}

	s.cacheMu.RLock()
	data, ok := s.inMemoryCache[runID]
	s.cacheMu.RUnlock()
	if !ok {
		return nil, backtest.ErrNoCheckpoint
	}
	return backtest.DecodeState("memory:"+runID, data)
}

// Delete removes a run's checkpoint everywhere.
func (s *RedisCheckpointStore) Delete(ctx context.Context, runID string) error {
	s.cacheMu.Lock()
	delete(s.inMemoryCache, runID)
	s.cacheMu.Unlock()

	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(runID))
	pipe.SRem(ctx, CheckpointListKey, runID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// IsRedisAvailable reports the last known Redis state
func (s *RedisCheckpointStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and updates availability.
func (s *RedisCheckpointStore) CheckRedisConnection(ctx context.Context) error {
	if s.client == nil {
		return errors.New("no Redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !s.redisAvailable.Swap(true) {
		s.logger.Info("Redis connection recovered")
	}
	return nil
}

// SyncCacheToRedis pushes every in-memory checkpoint to Redis.
func (s *RedisCheckpointStore) SyncCacheToRedis(ctx context.Context) error {
	if s.client == nil || !s.redisAvailable.Load() {
		return errors.New("redis not available for sync")
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	synced := 0
	for runID, data := range s.inMemoryCache {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.key(runID), data, CheckpointTTL)
		pipe.SAdd(ctx, CheckpointListKey, runID)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn("Failed to sync checkpoint", "run_id", runID, "error", err.Error())
			continue
		}
		synced++
	}
	if synced > 0 {
		s.logger.Info("Synced checkpoints to Redis", "count", synced)
	}
	return nil
}

// CheckpointStoreStats reports store health.
type CheckpointStoreStats struct {
	RedisAvailable    bool `json:"redis_available"`
	InMemoryCacheSize int  `json:"in_memory_cache_size"`
}

func (s *RedisCheckpointStore) GetStats() CheckpointStoreStats {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return CheckpointStoreStats{
		RedisAvailable:    s.redisAvailable.Load(),
		InMemoryCacheSize: len(s.inMemoryCache),
	}
}
