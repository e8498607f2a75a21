// Package config handles configuration management: YAML loading with
// env-var expansion and aggregated ValidationError reporting.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration surface for the harvester.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	Timing   TimingConfig   `yaml:"timing"`
	Slippage SlippageConfig `yaml:"slippage"`
	System   SystemConfig   `yaml:"system"`
	Alert    AlertConfig    `yaml:"alert"`
	// Universe is the fixed candidate coin list the scanner and
	// harvester iterate every cycle. Not a ranked watchlist: every
	// entry is scanned, and only viable opportunities are acted on.
	Universe []string `yaml:"universe" validate:"required,min=1"`
}

// AppConfig contains top-level run-mode flags.
type AppConfig struct {
	DryRun bool `yaml:"dry_run"`
	Live   bool `yaml:"live"`
}

// ExchangeConfig holds venue credentials for the production gateway.
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key" validate:"required"`
	SecretKey Secret `yaml:"secret_key" validate:"required"`
	BaseURL   string `yaml:"base_url"`
	// FeedURL is the websocket endpoint the production price feed dials.
	// Only required when app.live is set.
	FeedURL string `yaml:"feed_url"`
}

// TradingConfig contains the funding-harvest viability thresholds.
type TradingConfig struct {
	MinFundingAPR          float64 `yaml:"min_funding_apr" validate:"required,min=0"`
	MinLiquidityUSD        float64 `yaml:"min_liquidity_usd" validate:"required,min=0"`
	MaxBreakevenDays       float64 `yaml:"max_breakeven_days" validate:"required,min=0"`
	MinNetAPYPct           float64 `yaml:"min_net_apy_pct" validate:"required,min=0"`
	MaxPositionPerCoinUSD  float64 `yaml:"max_position_per_coin_usd" validate:"required,min=0"`
	MaxTotalExposureUSD    float64 `yaml:"max_total_exposure_usd" validate:"required,min=0"`
	CapitalEfficiencyEta   float64 `yaml:"capital_efficiency_eta" validate:"required,min=0,max=1"`
	SpotTakerFee           float64 `yaml:"spot_taker_fee" validate:"min=0"`
	PerpTakerFee           float64 `yaml:"perp_taker_fee" validate:"min=0"`
	SlippageBps            float64 `yaml:"slippage_bps" validate:"min=0"`
}

// RiskConfig contains margin and funding-direction risk thresholds.
type RiskConfig struct {
	MarginDangerThreshold         float64 `yaml:"margin_danger_threshold" validate:"required,min=0,max=1"`
	MarginCriticalThreshold       float64 `yaml:"margin_critical_threshold" validate:"required,min=0,max=1"`
	NegativeFundingToleranceHours float64 `yaml:"negative_funding_tolerance_hours" validate:"required,min=0"`
}

// TimingConfig contains every loop interval and timeout in the engine.
type TimingConfig struct {
	OrderTimeoutSeconds        int `yaml:"order_timeout_seconds" validate:"required,min=1"`
	PanicTimeoutSeconds        int `yaml:"panic_timeout_seconds" validate:"required,min=1"`
	ScanIntervalSeconds        int `yaml:"scan_interval_seconds" validate:"required,min=1"`
	FundingCheckIntervalSeconds int `yaml:"funding_check_interval_seconds" validate:"required,min=1"`
	WatchdogCheckSeconds       int `yaml:"watchdog_check_seconds" validate:"required,min=1"`
	WatchdogStaleSeconds       int `yaml:"watchdog_stale_seconds" validate:"required,min=1"`
}

// SlippageConfig contains the price buffers applied to each kind of order.
type SlippageConfig struct {
	EntryBuffer  float64 `yaml:"entry_buffer" validate:"min=0"`
	UnwindBuffer float64 `yaml:"unwind_buffer" validate:"min=0"`
	PanicBuffer  float64 `yaml:"panic_buffer" validate:"min=0"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel    string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	MetricsPort int    `yaml:"metrics_port" validate:"required,min=1,max=65535"`
	// ColdLogPath is the append-only file the cold-path logger persists
	// funding/execution/panic events to. Defaults to a local data file
	// when empty.
	ColdLogPath string `yaml:"cold_log_path"`
}

// AlertConfig configures optional outbound notification channels. Any
// channel left with an empty credential is simply not registered.
type AlertConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion, then validates it.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration,
// aggregating the failures of every section rather than stopping at the
// first failing section. Every missing exchange field is reported; the
// trading checks report only their first failure.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(c.Universe) == 0 {
		errs = append(errs, ValidationError{Field: "universe", Message: "at least one coin is required"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateExchange() error {
	var errs []string
	if c.Exchange.APIKey == "" {
		errs = append(errs, ValidationError{Field: "exchange.api_key", Message: "API key is required"}.Error())
	}
	if c.Exchange.SecretKey == "" {
		errs = append(errs, ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}.Error())
	}
	if c.App.Live {
		if c.Exchange.BaseURL == "" {
			errs = append(errs, ValidationError{Field: "exchange.base_url", Message: "required when app.live is set"}.Error())
		}
		if c.Exchange.FeedURL == "" {
			errs = append(errs, ValidationError{Field: "exchange.feed_url", Message: "required when app.live is set"}.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateTrading() error {
	if c.Trading.MinFundingAPR < 0 {
		return ValidationError{Field: "trading.min_funding_apr", Value: c.Trading.MinFundingAPR, Message: "must be non-negative"}
	}
	if c.Trading.MaxTotalExposureUSD < c.Trading.MaxPositionPerCoinUSD {
		return ValidationError{
			Field:   "trading.max_total_exposure_usd",
			Value:   c.Trading.MaxTotalExposureUSD,
			Message: "must be at least max_position_per_coin_usd",
		}
	}
	if c.Trading.CapitalEfficiencyEta <= 0 || c.Trading.CapitalEfficiencyEta > 1 {
		return ValidationError{Field: "trading.capital_efficiency_eta", Value: c.Trading.CapitalEfficiencyEta, Message: "must be in (0, 1]"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MarginCriticalThreshold >= c.Risk.MarginDangerThreshold {
		return ValidationError{
			Field:   "risk.margin_critical_threshold",
			Value:   c.Risk.MarginCriticalThreshold,
			Message: "must be lower than risk.margin_danger_threshold",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a YAML rendering of the config with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a valid dry-run configuration (app.live unset)
// for tests; the harvester command itself always loads a config file.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{DryRun: true, Live: false},
		Exchange: ExchangeConfig{
			APIKey:    "test_api_key",
			SecretKey: "test_secret_key",
		},
		Trading: TradingConfig{
			MinFundingAPR:         0.20,
			MinLiquidityUSD:       1_000_000,
			MaxBreakevenDays:      5,
			MinNetAPYPct:          15,
			MaxPositionPerCoinUSD: 5_000,
			MaxTotalExposureUSD:   20_000,
			CapitalEfficiencyEta:  0.40,
			SpotTakerFee:          0.0004,
			PerpTakerFee:          0.0003,
			SlippageBps:           0.001,
		},
		Risk: RiskConfig{
			MarginDangerThreshold:         0.15,
			MarginCriticalThreshold:       0.10,
			NegativeFundingToleranceHours: 2,
		},
		Timing: TimingConfig{
			OrderTimeoutSeconds:         5,
			PanicTimeoutSeconds:         10,
			ScanIntervalSeconds:         300,
			FundingCheckIntervalSeconds: 3600,
			WatchdogCheckSeconds:        5,
			WatchdogStaleSeconds:        10,
		},
		Slippage: SlippageConfig{
			EntryBuffer:  0.01,
			UnwindBuffer: 0.02,
			PanicBuffer:  0.05,
		},
		System: SystemConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
		},
		Universe: []string{"BTC", "ETH", "SOL"},
	}
}
