package main

import (
	"testing"

	"funding_harvester/internal/config"
	"funding_harvester/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (n *noopLogger) Debug(string, ...interface{})                  {}
func (n *noopLogger) Info(string, ...interface{})                   {}
func (n *noopLogger) Warn(string, ...interface{})                   {}
func (n *noopLogger) Error(string, ...interface{})                  {}
func (n *noopLogger) Fatal(string, ...interface{})                  {}
func (n *noopLogger) WithField(string, interface{}) core.Logger     { return n }
func (n *noopLogger) WithFields(map[string]interface{}) core.Logger { return n }

func TestTrimNewline_StripsTrailingCRLF(t *testing.T) {
	assert.Equal(t, "PANIC", trimNewline("PANIC\r\n"))
	assert.Equal(t, "PANIC", trimNewline("PANIC\n"))
	assert.Equal(t, "PANIC", trimNewline("PANIC"))
}

func TestBuildNotifier_NoChannelsConfiguredStillReturnsUsableNotifier(t *testing.T) {
	cfg := config.DefaultConfig()
	n := buildNotifier(cfg, &noopLogger{})
	require.NotNil(t, n)
}

func TestBuildNotifier_RegistersChannelsWhenCredentialsPresent(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Alert.SlackWebhookURL = "https://hooks.example.test/x"
	cfg.Alert.TelegramBotToken = "bot-token"
	cfg.Alert.TelegramChatID = "12345"

	n := buildNotifier(cfg, &noopLogger{})
	require.NotNil(t, n)
}
