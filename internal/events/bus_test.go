package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestEventBus_OpportunityAlert(t *testing.T) {
	bus := NewEventBus()
	alerts := make(chan Event, 1)
	all := make(chan Event, 1)
	bus.Subscribe(EventOpportunityAlert, func(e Event) { alerts <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	closeTime := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)
	bus.PublishOpportunityAlert(opportunity.Alert{
		OpportunityID: "opp-1",
		Symbol:        "BTCUSDT",
		Timeframe:     "72m",
		Direction:     patterns.Long,
		EntryPrice:    100,
		TargetPrice:   107.42,
		Timestamp:     closeTime,
		SituationTag:  "1v1",
	})

	ev := waitFor(t, alerts)
	if ev.Type != EventOpportunityAlert {
		t.Errorf("Expected %s, got %s", EventOpportunityAlert, ev.Type)
	}
	if !ev.Timestamp.Equal(closeTime) {
		t.Errorf("Expected alert stamped at bar close %v, got %v", closeTime, ev.Timestamp)
	}
	if ev.Data["situation_tag"] != "1v1" || ev.Data["direction"] != "Long" {
		t.Errorf("Unexpected alert data: %v", ev.Data)
	}

	if got := waitFor(t, all); got.Type != EventOpportunityAlert {
		t.Errorf("Expected all-subscriber to see the alert, got %s", got.Type)
	}
}

func TestEventBus_OnlyMatchingSubscribers(t *testing.T) {
	bus := NewEventBus()
	closed := make(chan Event, 1)
	opened := make(chan Event, 1)
	bus.Subscribe(EventPositionClosed, func(e Event) { closed <- e })
	bus.Subscribe(EventPositionOpened, func(e Event) { opened <- e })

	bus.PublishPositionClosed(backtest.Position{
		ID: "p1", Side: patterns.Short, EntryPrice: 100, ExitPrice: 97, Size: 1,
		RealizedPnL: 3, ExitReason: backtest.ExitTarget,
		ExitTime: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
	})

	ev := waitFor(t, closed)
	if ev.Data["reason"] != "target" || ev.Data["pnl"] != 3.0 {
		t.Errorf("Unexpected close data: %v", ev.Data)
	}

	select {
	case e := <-opened:
		t.Errorf("Expected no open event, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_DefaultTimestamp(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventCheckpointSaved, func(e Event) { got <- e })

	before := time.Now()
	bus.PublishCheckpointSaved("run-1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 1440)

	ev := waitFor(t, got)
	if ev.Timestamp.Before(before) {
		t.Errorf("Expected timestamp to be set on publish, got %v", ev.Timestamp)
	}
	if ev.Data["steps"] != 1440 {
		t.Errorf("Expected steps 1440, got %v", ev.Data["steps"])
	}
}

func TestEventBus_DrainWaitsForSlowSubscribers(t *testing.T) {
	bus := NewEventBus()
	var delivered atomic.Int32
	bus.Subscribe(EventError, func(e Event) {
		time.Sleep(50 * time.Millisecond)
		delivered.Add(1)
	})
	bus.SubscribeAll(func(e Event) { delivered.Add(1) })

	bus.PublishError("pipeline", "backtest failed", errors.New("boom"))
	bus.PublishError("pipeline", "backtest failed", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bus.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if got := delivered.Load(); got != 4 {
		t.Errorf("Expected 4 deliveries before Drain returns, got %d", got)
	}
}

func TestEventBus_DrainHonoursDeadline(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})
	defer close(release)
	bus.Subscribe(EventError, func(e Event) { <-release })
	bus.PublishError("pipeline", "stuck", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
