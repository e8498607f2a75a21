package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `
app:
  dry_run: true

exchange:
  api_key: "${TEST_EXCHANGE_API_KEY}"
  secret_key: "${TEST_EXCHANGE_SECRET_KEY}"

trading:
  min_funding_apr: 0.2
  min_liquidity_usd: 1000000
  max_breakeven_days: 5
  min_net_apy_pct: 15
  max_position_per_coin_usd: 5000
  max_total_exposure_usd: 20000
  capital_efficiency_eta: 0.4

risk:
  margin_danger_threshold: 0.15
  margin_critical_threshold: 0.1
  negative_funding_tolerance_hours: 2

timing:
  order_timeout_seconds: 5
  panic_timeout_seconds: 10
  scan_interval_seconds: 300
  funding_check_interval_seconds: 3600
  watchdog_check_seconds: 5
  watchdog_stale_seconds: 10

system:
  log_level: "INFO"
  metrics_port: 9090

universe:
  - BTC
  - ETH
`
	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_EXCHANGE_API_KEY", "key_from_env")
	os.Setenv("TEST_EXCHANGE_SECRET_KEY", "secret_from_env")
	defer os.Unsetenv("TEST_EXCHANGE_API_KEY")
	defer os.Unsetenv("TEST_EXCHANGE_SECRET_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err)

	assert.Equal(t, Secret("key_from_env"), cfg.Exchange.APIKey)
	assert.Equal(t, Secret("secret_from_env"), cfg.Exchange.SecretKey)
}

func TestConfig_Validate_MissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.api_key")
}

func TestConfig_Validate_ExposureBelowPerCoinCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.MaxTotalExposureUSD = 100
	cfg.Trading.MaxPositionPerCoinUSD = 5000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_total_exposure_usd")
}

func TestConfig_Validate_RiskThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk.MarginCriticalThreshold = 0.20
	cfg.Risk.MarginDangerThreshold = 0.15
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "margin_critical_threshold")
}

func TestConfig_Validate_EmptyUniverseRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Universe = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "universe")
}

func TestConfig_Validate_LiveModeRequiresBaseURLAndFeedURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Live = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.base_url")
	assert.Contains(t, err.Error(), "exchange.feed_url")
}

func TestConfig_Validate_Default(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_String_RedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "my_super_secret_api_key"
	cfg.Exchange.SecretKey = "my_super_secret_secret_key"

	output := cfg.String()
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
	assert.Contains(t, output, "REDACTED")
}
