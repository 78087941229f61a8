package api

import (
	"sync"
	"time"

	"candle-break-backtester/internal/backtest"
)

// RunSnapshot holds a copy of the latest simulation state for handlers.
type RunSnapshot struct {
	mu        sync.RWMutex
	state     *backtest.State
	metrics   backtest.Metrics
	updatedAt time.Time
}

// NewRunSnapshot creates an empty snapshot
func NewRunSnapshot() *RunSnapshot {
	return &RunSnapshot{}
}

// Set replaces the snapshot with a copy of state.
func (r *RunSnapshot) Set(state *backtest.State) {
	if state == nil {
		return
	}
	c := state.Clone()
	m := backtest.ComputeMetrics(c)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = c
	r.metrics = m
	r.updatedAt = time.Now()
}

// Get returns the stored state and metrics, or false when nothing has run.
func (r *RunSnapshot) Get() (*backtest.State, backtest.Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return nil, backtest.Metrics{}, false
	}
	return r.state, r.metrics, true
}

// UpdatedAt reports when Set last ran
func (r *RunSnapshot) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}
