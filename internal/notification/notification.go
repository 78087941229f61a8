package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"candle-break-backtester/internal/backtest"
	"candle-break-backtester/internal/events"
	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/metrics"
	"candle-break-backtester/internal/opportunity"
	"candle-break-backtester/internal/patterns"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyOpportunity  NotificationType = "opportunity"
	NotifyRunCompleted NotificationType = "run_completed"
	NotifyError        NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Timeframe string
	Price     float64
	Target    float64
	Short     bool
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// SetEnabled turns delivery on or off for every provider
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled = enabled
}

// Send sends a notification to all enabled providers and returns the last
// provider error.
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			metrics.AlertsDelivered.WithLabelValues(n.Name(), "error").Inc()
			logging.NotificationContext(n.Name(), notification.Symbol).WithError(err).Warn("Notification failed")
			lastErr = err
			continue
		}
		metrics.AlertsDelivered.WithLabelValues(n.Name(), "ok").Inc()
	}
	return lastErr
}

// SendOpportunityAlert formats and sends a new opportunity.
func (m *Manager) SendOpportunityAlert(alert opportunity.Alert) error {
	emoji := "🟢"
	if alert.Direction == patterns.Short {
		emoji = "🔴"
	}

	return m.Send(&Notification{
		Type:  NotifyOpportunity,
		Title: fmt.Sprintf("%s %s %s %s (%s)", emoji, alert.Symbol, alert.Timeframe, alert.Direction, alert.SituationTag),
		Message: fmt.Sprintf("Entry: %s\nTarget: %s\nBar close: %s",
			formatPrice(alert.EntryPrice), formatPrice(alert.TargetPrice), alert.Timestamp.UTC().Format("2006-01-02 15:04")),
		Symbol:    alert.Symbol,
		Timeframe: alert.Timeframe,
		Price:     alert.EntryPrice,
		Target:    alert.TargetPrice,
		Short:     alert.Direction == patterns.Short,
		Timestamp: alert.Timestamp,
	})
}

// SendRunSummary sends the headline numbers of a finished simulation
func (m *Manager) SendRunSummary(runID string, summary backtest.Metrics) error {
	return m.Send(&Notification{
		Type:  NotifyRunCompleted,
		Title: fmt.Sprintf("Simulation %s complete", runID),
		Message: fmt.Sprintf("Equity: %.2f (start %.2f)\nClosed: %d | Open: %d\nWin rate: %.2f%%",
			summary.Equity, summary.StartingBankroll, summary.TotalTrades, summary.OpenPositions, summary.WinRate),
		Timestamp: time.Now(),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

// Subscribe forwards every opportunity alert on the bus to the providers.
func (m *Manager) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventOpportunityAlert, func(e events.Event) {
		if err := m.SendOpportunityAlert(alertFromEvent(e)); err != nil {
			logging.NotificationContext("manager", "").WithError(err).Warn("Alert delivery failed")
		}
	})
}

func alertFromEvent(e events.Event) opportunity.Alert {
	str := func(k string) string {
		s, _ := e.Data[k].(string)
		return s
	}
	num := func(k string) float64 {
		f, _ := e.Data[k].(float64)
		return f
	}
	dir, _ := patterns.ParseDirection(str("direction"))
	return opportunity.Alert{
		OpportunityID: str("opportunity_id"),
		Symbol:        str("symbol"),
		Timeframe:     str("timeframe"),
		Direction:     dir,
		EntryPrice:    num("entry_price"),
		TargetPrice:   num("target_price"),
		Timestamp:     e.Timestamp,
		SituationTag:  str("situation_tag"),
	}
}

func formatPrice(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiURL   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	// APIURL overrides the Bot API base URL.
	APIURL string
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiURL:   strings.TrimSuffix(apiURL, "/"),
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if notification.Type == NotifyError || notification.Short {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Timeframe != "" {
			fields = append(fields, map[string]interface{}{
				"name": "Timeframe", "value": notification.Timeframe, "inline": true,
			})
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Entry", "value": formatPrice(notification.Price), "inline": true,
			})
		}
		if notification.Target > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Target", "value": formatPrice(notification.Target), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
