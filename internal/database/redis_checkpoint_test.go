package database

import (
	"context"
	"errors"
	"testing"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/logging"
)

func TestRedisCheckpointStore_MemoryOnly(t *testing.T) {
	store := NewRedisCheckpointStore(nil, logging.Nop())
	ctx := context.Background()

	if store.IsRedisAvailable() {
		t.Error("Expected Redis to be unavailable without a client")
	}
	if _, err := store.Load(ctx, "run-1"); !errors.Is(err, backtest.ErrNoCheckpoint) {
		t.Fatalf("Expected ErrNoCheckpoint, got %v", err)
	}

	state := backtest.NewState("run-1", 10000)
	state.Steps = 42
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Steps != 42 || loaded.Bankroll != 10000 {
		t.Errorf("Expected saved state back, got steps=%d bankroll=%v", loaded.Steps, loaded.Bankroll)
	}
	if stats := store.GetStats(); stats.InMemoryCacheSize != 1 {
		t.Errorf("Expected 1 cached checkpoint, got %d", stats.InMemoryCacheSize)
	}

	if err := store.Delete(ctx, "run-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load(ctx, "run-1"); !errors.Is(err, backtest.ErrNoCheckpoint) {
		t.Errorf("Expected ErrNoCheckpoint after delete, got %v", err)
	}
}

func TestRedisCheckpointStore_Corrupt(t *testing.T) {
	store := NewRedisCheckpointStore(nil, logging.Nop())
	store.inMemoryCache["run-1"] = []byte(`{"run_id":"run-1","starting_bankroll":10000,"bankroll":12000}`)

	_, err := store.Load(context.Background(), "run-1")
	var corrupt *backtest.CheckpointCorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Expected CheckpointCorruptionError, got %v", err)
	}
}

func TestRedisCheckpointStore_NoClient(t *testing.T) {
	store := NewRedisCheckpointStore(nil, logging.Nop())
	if err := store.CheckRedisConnection(context.Background()); err == nil {
		t.Error("Expected error without a client")
	}
	if err := store.SyncCacheToRedis(context.Background()); err == nil {
		t.Error("Expected error syncing without Redis")
	}
	if err := store.Save(context.Background(), nil); err == nil {
		t.Error("Expected error saving nil state")
	}
}
