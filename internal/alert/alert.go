package alert

import (
	"context"
	"sync"
	"time"

	"funding_harvester/internal/core"
)

// AlertPayload is the message handed to each channel, once assembled from
// a Notify call.
type AlertPayload struct {
	Level     core.AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// AlertChannel delivers one AlertPayload to one external destination
// (Slack, Telegram, ...).
type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans a Notify call out to every registered channel,
// concurrently, without blocking the caller on channel delivery. It
// implements core.Notifier.
type AlertManager struct {
	channels []AlertChannel
	logger   core.Logger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.Logger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("added alert channel", "name", ch.Name())
}

// Notify implements core.Notifier.
func (am *AlertManager) Notify(ctx context.Context, level core.AlertLevel, title, message string, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range am.channels {
		wg.Add(1)
		go func(c AlertChannel) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	// Async by design: alerting never blocks the trading path, even for
	// CRITICAL alerts fired from inside a panic close.
}

var _ core.Notifier = (*AlertManager)(nil)
