package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"funding_harvester/internal/core"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})              {}
func (m *mockLogger) Info(msg string, f ...interface{})               {}
func (m *mockLogger) Warn(msg string, f ...interface{})               {}
func (m *mockLogger) Error(msg string, f ...interface{})              {}
func (m *mockLogger) Fatal(msg string, f ...interface{})              {}
func (m *mockLogger) WithField(k string, v interface{}) core.Logger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.Logger { return m }

func TestAlertManager_Notify(t *testing.T) {
	am := NewAlertManager(&mockLogger{})

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}

	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Notify(context.Background(), core.AlertInfo, "Test Alert", "This is a test", map[string]string{"key": "value"})

	time.Sleep(100 * time.Millisecond)

	sent1 := ch1.getSent()
	sent2 := ch2.getSent()

	if len(sent1) != 1 {
		t.Errorf("expected ch1 to receive 1 alert, got %d", len(sent1))
	}
	if len(sent2) != 1 {
		t.Errorf("expected ch2 to receive 1 alert, got %d", len(sent2))
	}

	payload := sent1[0]
	if payload.Title != "Test Alert" {
		t.Errorf("expected title 'Test Alert', got '%s'", payload.Title)
	}
	if payload.Level != core.AlertInfo {
		t.Errorf("expected level INFO, got %s", payload.Level)
	}
	if payload.Fields["key"] != "value" {
		t.Errorf("expected field key=value, got %s", payload.Fields["key"])
	}
}

func TestAlertManager_ImplementsNotifier(t *testing.T) {
	var _ core.Notifier = NewAlertManager(&mockLogger{})
}

func TestAlertManager_ChannelErrorDoesNotPanic(t *testing.T) {
	am := NewAlertManager(&mockLogger{})
	am.AddChannel(&mockAlertChannel{
		name: "broken",
		sendFunc: func(ctx context.Context, alert AlertPayload) error {
			return context.DeadlineExceeded
		},
	})

	am.Notify(context.Background(), core.AlertCritical, "panic", "close failed", nil)
	time.Sleep(50 * time.Millisecond)
}
