package events

import (
	"context"
	"sync"
	"time"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/opportunity"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOpportunityAlert   EventType = "OPPORTUNITY_ALERT"
	EventOpportunityUpdated EventType = "OPPORTUNITY_UPDATED"
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventCheckpointSaved    EventType = "CHECKPOINT_SAVED"
	EventRunCompleted       EventType = "RUN_COMPLETED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	inflight    sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Each subscriber runs on its own
// goroutine, so publishers never block on delivery. Drain waits for them.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		eb.deliver(sub, event)
	}
	for _, sub := range eb.allSubs {
		eb.deliver(sub, event)
	}
}

func (eb *EventBus) deliver(sub Subscriber, event Event) {
	eb.inflight.Add(1)
	go func() {
		defer eb.inflight.Done()
		sub(event)
	}()
}

// Drain blocks until every delivery started so far has returned, or ctx is
// done. Call it before exit so notifications are not lost.
func (eb *EventBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		eb.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishOpportunityAlert publishes a qualifying opportunity, stamped at the
// trigger bar's close.
func (eb *EventBus) PublishOpportunityAlert(alert opportunity.Alert) {
	eb.Publish(Event{
		Type:      EventOpportunityAlert,
		Timestamp: alert.Timestamp,
		Data: map[string]interface{}{
			"opportunity_id": alert.OpportunityID,
			"symbol":         alert.Symbol,
			"timeframe":      alert.Timeframe,
			"direction":      string(alert.Direction),
			"entry_price":    alert.EntryPrice,
			"target_price":   alert.TargetPrice,
			"situation_tag":  alert.SituationTag,
		},
	})
}

// PublishOpportunityUpdated publishes a status or milestone change
func (eb *EventBus) PublishOpportunityUpdated(opp *opportunity.Opportunity) {
	milestones := make(map[string]time.Time, len(opp.Milestones))
	for m, at := range opp.Milestones {
		milestones[string(m)] = at
	}
	eb.Publish(Event{
		Type: EventOpportunityUpdated,
		Data: map[string]interface{}{
			"opportunity_id":     opp.ID,
			"symbol":             opp.Symbol,
			"timeframe":          opp.Timeframe,
			"status":             string(opp.Status),
			"milestones":         milestones,
			"max_drawdown":       opp.MaxDrawdown,
			"max_drawdown_price": opp.MaxDrawdownPrice,
		},
	})
}

// PublishPositionOpened publishes a simulated entry
func (eb *EventBus) PublishPositionOpened(p backtest.Position) {
	eb.Publish(Event{
		Type:      EventPositionOpened,
		Timestamp: p.EntryTime,
		Data: map[string]interface{}{
			"position_id":    p.ID,
			"opportunity_id": p.OpportunityID,
			"symbol":         p.Symbol,
			"timeframe":      p.Timeframe,
			"side":           string(p.Side),
			"entry_price":    p.EntryPrice,
			"size":           p.Size,
			"cost_basis":     p.CostBasis,
		},
	})
}

// PublishPositionClosed publishes a simulated exit
func (eb *EventBus) PublishPositionClosed(p backtest.Position) {
	eb.Publish(Event{
		Type:      EventPositionClosed,
		Timestamp: p.ExitTime,
		Data: map[string]interface{}{
			"position_id":    p.ID,
			"opportunity_id": p.OpportunityID,
			"symbol":         p.Symbol,
			"timeframe":      p.Timeframe,
			"side":           string(p.Side),
			"entry_price":    p.EntryPrice,
			"exit_price":     p.ExitPrice,
			"size":           p.Size,
			"pnl":            p.RealizedPnL,
			"net_pnl":        p.NetPnL(),
			"reason":         string(p.ExitReason),
		},
	})
}

// PublishCheckpointSaved publishes a checkpoint boundary
func (eb *EventBus) PublishCheckpointSaved(runID string, at time.Time, steps int) {
	eb.Publish(Event{
		Type: EventCheckpointSaved,
		Data: map[string]interface{}{
			"run_id":         runID,
			"last_processed": at,
			"steps":          steps,
		},
	})
}

// PublishRunCompleted publishes the final metrics of a run
func (eb *EventBus) PublishRunCompleted(runID string, m backtest.Metrics) {
	eb.Publish(Event{
		Type: EventRunCompleted,
		Data: map[string]interface{}{
			"run_id":          runID,
			"ending_bankroll": m.EndingBankroll,
			"equity":          m.Equity,
			"total_trades":    m.TotalTrades,
			"win_rate":        m.WinRate,
			"net_profit":      m.NetProfit,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
