package notification

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"candle-break-backtester/internal/events"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

type capture struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]interface{}
	got    chan struct{}
}

func newCapture() *capture {
	return &capture{got: make(chan struct{}, 8)}
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
		c.got <- struct{}{}
	}
}

func testAlert() opportunity.Alert {
	return opportunity.Alert{
		OpportunityID: "opp-1",
		Symbol:        "BTCUSDT",
		Timeframe:     "72m",
		Direction:     patterns.Short,
		EntryPrice:    100,
		TargetPrice:   92.58,
		Timestamp:     time.Date(2024, 3, 1, 1, 12, 0, 0, time.UTC),
		SituationTag:  "engulfing",
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	c := newCapture()
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	m := NewManager()
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{BotToken: "token", ChatID: "42", Enabled: true, APIURL: srv.URL}))

	if err := m.SendOpportunityAlert(testAlert()); err != nil {
		t.Fatalf("SendOpportunityAlert failed: %v", err)
	}

	if len(c.paths) != 1 || c.paths[0] != "/bottoken/sendMessage" {
		t.Fatalf("Expected one sendMessage call, got %v", c.paths)
	}
	text, _ := c.bodies[0]["text"].(string)
	for _, want := range []string{"BTCUSDT", "72m", "Short", "engulfing", "Target: 92.58"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected message to contain %q, got %q", want, text)
		}
	}
	if c.bodies[0]["chat_id"] != "42" {
		t.Errorf("Expected chat_id 42, got %v", c.bodies[0]["chat_id"])
	}
}

func TestDiscordNotifier_Send(t *testing.T) {
	c := newCapture()
	srv := httptest.NewServer(c.handler(http.StatusNoContent))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	m := NewManager()
	m.AddNotifier(d)

	if err := m.SendOpportunityAlert(testAlert()); err != nil {
		t.Fatalf("SendOpportunityAlert failed: %v", err)
	}

	embeds, _ := c.bodies[0]["embeds"].([]interface{})
	if len(embeds) != 1 {
		t.Fatalf("Expected 1 embed, got %v", c.bodies[0])
	}
	embed := embeds[0].(map[string]interface{})
	if embed["color"] != float64(0xFF0000) {
		t.Errorf("Expected red embed for a short, got %v", embed["color"])
	}
	if fields, _ := embed["fields"].([]interface{}); len(fields) != 4 {
		t.Errorf("Expected 4 fields, got %d", len(fields))
	}
}

func TestManager_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewManager()
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true}))

	if err := m.SendError("boom", "details"); err == nil {
		t.Error("Expected error from failing provider")
	}

	m.SetEnabled(false)
	if err := m.SendError("boom", "details"); err != nil {
		t.Errorf("Expected disabled manager to skip delivery, got %v", err)
	}
}

func TestNotifiers_DisabledWithoutCredentials(t *testing.T) {
	tests := []struct {
		name     string
		notifier Notifier
	}{
		{"telegram without token", NewTelegramNotifier(TelegramConfig{ChatID: "1", Enabled: true})},
		{"telegram not enabled", NewTelegramNotifier(TelegramConfig{BotToken: "t", ChatID: "1"})},
		{"discord without webhook", NewDiscordNotifier(DiscordConfig{Enabled: true})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.notifier.IsEnabled() {
				t.Error("Expected notifier to be disabled")
			}
			if err := tt.notifier.Send(&Notification{Title: "x"}); err != nil {
				t.Errorf("Expected disabled send to be a no-op, got %v", err)
			}
		})
	}
}

func TestManager_SubscribeForwardsAlerts(t *testing.T) {
	c := newCapture()
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	m := NewManager()
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{BotToken: "token", ChatID: "42", Enabled: true, APIURL: srv.URL}))

	bus := events.NewEventBus()
	m.Subscribe(bus)
	bus.PublishOpportunityAlert(testAlert())
	bus.PublishError("test", "not an alert", errors.New("ignored"))

	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert delivery")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	text, _ := c.bodies[0]["text"].(string)
	if !strings.Contains(text, "Entry: 100") || !strings.Contains(text, "2024-03-01 01:12") {
		t.Errorf("Expected alert details to survive the bus, got %q", text)
	}
}
