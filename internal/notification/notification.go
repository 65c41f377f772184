// Package notification fans operator alerts out to Telegram and Discord.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Level classifies a notification for routing and formatting.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelTrade   Level = "trade"
)

// Message is one operator-facing notification.
type Message struct {
	Level      Level
	Title      string
	Body       string
	Market     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Sender delivers messages to one channel.
type Sender interface {
	Send(msg *Message) error
	Name() string
	Enabled() bool
}

// Manager fans each message out to every enabled sender. Delivery is
// best-effort; a channel failure is logged and does not block the others.
type Manager struct {
	senders []Sender
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager creates a notification manager with no senders attached.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "notification").Logger(),
		now:    time.Now,
	}
}

// AddSender attaches a delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.senders = append(m.senders, s)
}

// Send delivers a message to all enabled senders.
func (m *Manager) Send(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	for _, s := range m.senders {
		if !s.Enabled() {
			continue
		}
		if err := s.Send(msg); err != nil {
			m.logger.Warn().Err(err).Str("channel", s.Name()).Str("title", msg.Title).
				Msg("notification delivery failed")
		}
	}
}

// Info sends an informational notification.
func (m *Manager) Info(title, body string) {
	m.Send(&Message{Level: LevelInfo, Title: title, Body: body})
}

// Warning sends a warning notification.
func (m *Manager) Warning(title, body string) {
	m.Send(&Message{Level: LevelWarning, Title: fmt.Sprintf("⚠️ %s", title), Body: body})
}

// Error sends an error notification.
func (m *Manager) Error(title, body string) {
	m.Send(&Message{Level: LevelError, Title: fmt.Sprintf("🚨 %s", title), Body: body})
}

// TradeOpened announces a new position.
func (m *Manager) TradeOpened(marketID, strategy string, price, quantity, notional float64) {
	m.Send(&Message{
		Level:  LevelTrade,
		Title:  fmt.Sprintf("📈 Opened %s", marketID),
		Body:   fmt.Sprintf("%s bought %.8f @ %.2f KRW (%.0f KRW)", strategy, quantity, price, notional),
		Market: marketID,
		Price:  price,
	})
}

// TradeClosed announces a closed position with its realized result.
func (m *Manager) TradeClosed(marketID, reason string, entryPrice, exitPrice, pnl, pnlPercent float64) {
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	m.Send(&Message{
		Level:      LevelTrade,
		Title:      fmt.Sprintf("%s Closed %s", emoji, marketID),
		Body:       fmt.Sprintf("entry %.2f exit %.2f\nP&L %.0f KRW (%.2f%%)\nreason: %s", entryPrice, exitPrice, pnl, pnlPercent, reason),
		Market:     marketID,
		Price:      exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
	})
}

// TelegramSender posts messages through the Telegram bot API.
type TelegramSender struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramSender creates a Telegram sender. It stays disabled unless both
// the token and chat ID are set.
func NewTelegramSender(botToken, chatID string, enabled bool) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		enabled:  enabled && botToken != "" && chatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string  { return "telegram" }
func (t *TelegramSender) Enabled() bool { return t.enabled }

func (t *TelegramSender) Send(msg *Message) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", msg.Title, msg.Body),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordSender posts messages to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordSender creates a Discord sender. It stays disabled without a
// webhook URL.
func NewDiscordSender(webhookURL string, enabled bool) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		enabled:    enabled && webhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSender) Name() string  { return "discord" }
func (d *DiscordSender) Enabled() bool { return d.enabled }

func (d *DiscordSender) Send(msg *Message) error {
	color := 0x2ECC71 // green
	switch {
	case msg.Level == LevelError:
		color = 0xE74C3C
	case msg.Level == LevelWarning:
		color = 0xF39C12
	case msg.Level == LevelTrade && msg.PnL < 0:
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       msg.Title,
		"description": msg.Body,
		"color":       color,
		"timestamp":   msg.Timestamp.Format(time.RFC3339),
	}
	if msg.Market != "" {
		fields := []map[string]interface{}{
			{"name": "Market", "value": msg.Market, "inline": true},
		}
		if msg.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.2f KRW", msg.Price), "inline": true,
			})
		}
		if msg.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.0f KRW (%.2f%%)", msg.PnL, msg.PnLPercent), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
