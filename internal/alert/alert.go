// Package alert fans engine notifications out to the configured channels.
// Delivery is asynchronous; alerting never blocks a trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
)

const sendTimeout = 10 * time.Second

// Payload is one alert as the channels see it.
type Payload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager is the core.IAlerter implementation: every alert goes to the log
// and, in parallel, to each configured channel.
type Manager struct {
	logger core.ILogger

	mu       sync.RWMutex
	channels []Channel
}

var _ core.IAlerter = (*Manager)(nil)

// NewManager wires the channels the config enables. With no channels
// configured, alerts still land in the log.
func NewManager(cfg config.AlertsConfig, logger core.ILogger) *Manager {
	m := &Manager{logger: logger.WithField("component", "alert")}
	if cfg.SlackWebhook != "" {
		m.AddChannel(NewSlackChannel(cfg.SlackWebhook.Reveal()))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		m.AddChannel(NewTelegramChannel(cfg.TelegramToken.Reveal(), cfg.TelegramChatID))
	}
	return m
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel enabled", "channel", ch.Name())
}

func (m *Manager) Alert(ctx context.Context, level core.AlertLevel, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	kv := []interface{}{"level", string(level), "title", title, "message", message}
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch level {
	case core.AlertError, core.AlertCritical:
		m.logger.Error("alert", kv...)
	case core.AlertWarning:
		m.logger.Warn("alert", kv...)
	default:
		m.logger.Info("alert", kv...)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
