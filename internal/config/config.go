// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig               `yaml:"app"`
	Venue      VenueConfig             `yaml:"venue"`
	Engine     EngineConfig            `yaml:"engine"`
	Governor   GovernorConfig          `yaml:"governor"`
	Protection ProtectionConfig        `yaml:"protection"`
	FastPath   FastPathConfig          `yaml:"fastpath"`
	Alerts     AlertsConfig            `yaml:"alerts"`
	Symbols    map[string]SymbolConfig `yaml:"symbols"`
}

// AppConfig contains process-level settings
type AppConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPort int    `yaml:"metrics_port"`
	APIPort     int    `yaml:"api_port"`
	StorePath   string `yaml:"store_path"`
}

// VenueConfig contains venue connectivity and credentials
type VenueConfig struct {
	APIKey       Secret `yaml:"api_key"`
	SecretKey    Secret `yaml:"secret_key"`
	BaseURL      string `yaml:"base_url"`
	WSURL        string `yaml:"ws_url"`
	RecvWindowMs int    `yaml:"recv_window_ms"`
}

// EngineConfig contains the global trading parameters
type EngineConfig struct {
	WindowMs                 int     `yaml:"window_ms"`
	SimulateOnly             bool    `yaml:"simulate_only"`
	HedgeMode                bool    `yaml:"hedge_mode"`
	MultiAssetsMode          bool    `yaml:"multi_assets_mode"`
	OrderTTLMs               int     `yaml:"order_ttl_ms"`
	MaxOpenOrdersPerSymbol   int     `yaml:"max_open_orders_per_symbol"`
	MaxTotalExposureUSDT     float64 `yaml:"max_total_exposure_usdt"`
	TimeInForce              string  `yaml:"time_in_force"`
	TranchePnLIncrementPct   float64 `yaml:"tranche_pnl_increment_pct"`
	TranchePnLBasis          string  `yaml:"tranche_pnl_basis"` // aggregate or latest
	MaxTranchesPerSymbolSide int     `yaml:"max_tranches_per_symbol_side"`
	UsePositionMonitor       bool    `yaml:"use_position_monitor"`
	InstantTPEnabled         bool    `yaml:"instant_tp_enabled"`
	PriceMonitorReconnectMs  int     `yaml:"price_monitor_reconnect_ms"`
	BatchOrdersEnabled       bool    `yaml:"batch_orders_enabled"`
	BatchWindowMs            int     `yaml:"batch_window_ms"`
	IntakeBufferMs           int     `yaml:"intake_buffer_ms"`
	IntakeQueueSize          int     `yaml:"intake_queue_size"`
	ReconcileIntervalSec     int     `yaml:"reconcile_interval_sec"`
}

// GovernorConfig contains rate budget settings
type GovernorConfig struct {
	WeightLimitPerMin  int     `yaml:"weight_limit_per_min"`
	OrderLimitPerMin   int     `yaml:"order_limit_per_min"`
	RateLimitBufferPct float64 `yaml:"rate_limit_buffer_pct"`
	ReservePct         float64 `yaml:"reserve_pct"`
	OrdersPerSec       float64 `yaml:"orders_per_sec"`
	OrdersBurst        int     `yaml:"orders_burst"`
	QueueSize          int     `yaml:"queue_size"`
}

// ProtectionConfig contains protection maintenance settings
type ProtectionConfig struct {
	MaxRebuildAttempts int `yaml:"max_rebuild_attempts"`
	BreakerFailures    int `yaml:"breaker_failures"`
	BreakerCooldownSec int `yaml:"breaker_cooldown_sec"`
	EstablishDelayMs   int `yaml:"establish_delay_ms"`
}

// FastPathConfig contains fast-path monitor settings
type FastPathConfig struct {
	EpsilonPct    float64 `yaml:"epsilon_pct"`
	StaleAfterSec int     `yaml:"stale_after_sec"`
}

// AlertsConfig contains alert channel settings; empty values disable a channel
type AlertsConfig struct {
	SlackWebhook   Secret `yaml:"slack_webhook"`
	TelegramToken  Secret `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// SymbolConfig contains per-symbol trading parameters
type SymbolConfig struct {
	VolumeThresholdLong  float64 `yaml:"volume_threshold_long"`
	VolumeThresholdShort float64 `yaml:"volume_threshold_short"`
	Leverage             int     `yaml:"leverage"`
	MarginType           string  `yaml:"margin_type"`
	TradeSide            string  `yaml:"trade_side"` // OPPOSITE or SAME
	TradeValueUSDT       float64 `yaml:"trade_value_usdt"`
	PriceOffsetPct       float64 `yaml:"price_offset_pct"`
	MaxPositionUSDT      float64 `yaml:"max_position_usdt"`
	TakeProfitEnabled    bool    `yaml:"take_profit_enabled"`
	TakeProfitPct        float64 `yaml:"take_profit_pct"`
	StopLossEnabled      bool    `yaml:"stop_loss_enabled"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	WorkingType          string  `yaml:"working_type"`
	PriceProtect         bool    `yaml:"price_protect"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	config := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyDefaults fills zero-valued infrastructure fields. Per-symbol
// parameters are never defaulted; an unconfigured symbol is not traded.
func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.MetricsPort == 0 {
		c.App.MetricsPort = 9090
	}
	if c.App.APIPort == 0 {
		c.App.APIPort = 8080
	}
	if c.App.StorePath == "" {
		c.App.StorePath = "data/liqhunter.db"
	}
	if c.Venue.BaseURL == "" {
		c.Venue.BaseURL = "https://fapi.binance.com"
	}
	if c.Venue.WSURL == "" {
		c.Venue.WSURL = "wss://fstream.binance.com"
	}
	if c.Venue.RecvWindowMs == 0 {
		c.Venue.RecvWindowMs = 5000
	}
	if c.Engine.WindowMs == 0 {
		c.Engine.WindowMs = 8000
	}
	if c.Engine.OrderTTLMs == 0 {
		c.Engine.OrderTTLMs = 30000
	}
	if c.Engine.MaxOpenOrdersPerSymbol == 0 {
		c.Engine.MaxOpenOrdersPerSymbol = 3
	}
	if c.Engine.TimeInForce == "" {
		c.Engine.TimeInForce = "GTC"
	}
	if c.Engine.TranchePnLIncrementPct == 0 {
		c.Engine.TranchePnLIncrementPct = 1.0
	}
	if c.Engine.TranchePnLBasis == "" {
		c.Engine.TranchePnLBasis = "aggregate"
	}
	if c.Engine.MaxTranchesPerSymbolSide == 0 {
		c.Engine.MaxTranchesPerSymbolSide = 5
	}
	if c.Engine.PriceMonitorReconnectMs == 0 {
		c.Engine.PriceMonitorReconnectMs = 5000
	}
	if c.Engine.BatchWindowMs == 0 {
		c.Engine.BatchWindowMs = 200
	}
	if c.Engine.IntakeQueueSize == 0 {
		c.Engine.IntakeQueueSize = 1024
	}
	if c.Engine.ReconcileIntervalSec == 0 {
		c.Engine.ReconcileIntervalSec = 30
	}
	if c.Governor.WeightLimitPerMin == 0 {
		c.Governor.WeightLimitPerMin = 2400
	}
	if c.Governor.OrderLimitPerMin == 0 {
		c.Governor.OrderLimitPerMin = 1200
	}
	if c.Governor.RateLimitBufferPct == 0 {
		c.Governor.RateLimitBufferPct = 10
	}
	if c.Governor.ReservePct == 0 {
		c.Governor.ReservePct = 20
	}
	if c.Governor.OrdersPerSec == 0 {
		c.Governor.OrdersPerSec = 25
	}
	if c.Governor.OrdersBurst == 0 {
		c.Governor.OrdersBurst = 30
	}
	if c.Governor.QueueSize == 0 {
		c.Governor.QueueSize = 256
	}
	if c.Protection.MaxRebuildAttempts == 0 {
		c.Protection.MaxRebuildAttempts = 3
	}
	if c.Protection.BreakerFailures == 0 {
		c.Protection.BreakerFailures = 3
	}
	if c.Protection.BreakerCooldownSec == 0 {
		c.Protection.BreakerCooldownSec = 300
	}
	if c.Protection.EstablishDelayMs == 0 {
		c.Protection.EstablishDelayMs = 500
	}
	if c.FastPath.StaleAfterSec == 0 {
		c.FastPath.StaleAfterSec = 30
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateApp(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenue(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateEngine(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGovernor(); err != nil {
		errors = append(errors, err.Error())
	}
	for name, sym := range c.Symbols {
		if err := c.validateSymbol(name, sym); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateApp() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.App.StorePath == "" {
		return ValidationError{
			Field:   "app.store_path",
			Message: "store path is required",
		}
	}
	return nil
}

func (c *Config) validateVenue() error {
	if !c.Engine.SimulateOnly {
		if c.Venue.APIKey == "" {
			return ValidationError{
				Field:   "venue.api_key",
				Message: "API key is required outside simulate mode",
			}
		}
		if c.Venue.SecretKey == "" {
			return ValidationError{
				Field:   "venue.secret_key",
				Message: "secret key is required outside simulate mode",
			}
		}
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.WindowMs <= 0 {
		return ValidationError{
			Field:   "engine.window_ms",
			Value:   c.Engine.WindowMs,
			Message: "window must be positive",
		}
	}
	if tif := c.Engine.TimeInForce; tif != "GTC" && tif != "IOC" && tif != "FOK" && tif != "GTX" {
		return ValidationError{
			Field:   "engine.time_in_force",
			Value:   tif,
			Message: "must be one of: GTC, IOC, FOK, GTX",
		}
	}
	if c.Engine.TranchePnLIncrementPct <= 0 {
		return ValidationError{
			Field:   "engine.tranche_pnl_increment_pct",
			Value:   c.Engine.TranchePnLIncrementPct,
			Message: "increment must be positive",
		}
	}
	if basis := c.Engine.TranchePnLBasis; basis != "aggregate" && basis != "latest" {
		return ValidationError{
			Field:   "engine.tranche_pnl_basis",
			Value:   basis,
			Message: "must be aggregate or latest",
		}
	}
	if c.Engine.MaxTranchesPerSymbolSide < 1 {
		return ValidationError{
			Field:   "engine.max_tranches_per_symbol_side",
			Value:   c.Engine.MaxTranchesPerSymbolSide,
			Message: "at least one tranche per position side is required",
		}
	}
	if c.Engine.MaxTotalExposureUSDT <= 0 {
		return ValidationError{
			Field:   "engine.max_total_exposure_usdt",
			Value:   c.Engine.MaxTotalExposureUSDT,
			Message: "total exposure cap must be positive",
		}
	}
	return nil
}

func (c *Config) validateGovernor() error {
	if c.Governor.WeightLimitPerMin <= 0 {
		return ValidationError{
			Field:   "governor.weight_limit_per_min",
			Value:   c.Governor.WeightLimitPerMin,
			Message: "weight limit must be positive",
		}
	}
	if c.Governor.OrderLimitPerMin <= 0 {
		return ValidationError{
			Field:   "governor.order_limit_per_min",
			Value:   c.Governor.OrderLimitPerMin,
			Message: "order limit must be positive",
		}
	}
	if c.Governor.RateLimitBufferPct < 0 || c.Governor.RateLimitBufferPct >= 100 {
		return ValidationError{
			Field:   "governor.rate_limit_buffer_pct",
			Value:   c.Governor.RateLimitBufferPct,
			Message: "buffer must be in [0, 100)",
		}
	}
	return nil
}

func (c *Config) validateSymbol(name string, sym SymbolConfig) error {
	if sym.Leverage < 1 || sym.Leverage > 125 {
		return ValidationError{
			Field:   fmt.Sprintf("symbols.%s.leverage", name),
			Value:   sym.Leverage,
			Message: "leverage must be in [1, 125]",
		}
	}
	if mt := sym.MarginType; mt != "ISOLATED" && mt != "CROSSED" {
		return ValidationError{
			Field:   fmt.Sprintf("symbols.%s.margin_type", name),
			Value:   mt,
			Message: "must be ISOLATED or CROSSED",
		}
	}
	if ts := sym.TradeSide; ts != "OPPOSITE" && ts != "SAME" {
		return ValidationError{
			Field:   fmt.Sprintf("symbols.%s.trade_side", name),
			Value:   ts,
			Message: "must be OPPOSITE or SAME",
		}
	}
	if sym.TradeValueUSDT <= 0 {
		return ValidationError{
			Field:   fmt.Sprintf("symbols.%s.trade_value_usdt", name),
			Value:   sym.TradeValueUSDT,
			Message: "trade value must be positive",
		}
	}
	if sym.TakeProfitEnabled && sym.TakeProfitPct <= 0 {
		return ValidationError{
			Field:   fmt.Sprintf("symbols.%s.take_profit_pct", name),
			Value:   sym.TakeProfitPct,
			Message: "take profit percent must be positive when enabled",
		}
	}
	if sym.StopLossEnabled && sym.StopLossPct <= 0 {
		return ValidationError{
			Field:   fmt.Sprintf("symbols.%s.stop_loss_pct", name),
			Value:   sym.StopLossPct,
			Message: "stop loss percent must be positive when enabled",
		}
	}
	if wt := sym.WorkingType; wt != "MARK_PRICE" && wt != "CONTRACT_PRICE" {
		return ValidationError{
			Field:   fmt.Sprintf("symbols.%s.working_type", name),
			Value:   wt,
			Message: "must be MARK_PRICE or CONTRACT_PRICE",
		}
	}
	return nil
}

// SymbolFor returns the config for a symbol and whether it is configured.
func (c *Config) SymbolFor(symbol string) (SymbolConfig, bool) {
	sym, ok := c.Symbols[symbol]
	return sym, ok
}

// String returns the configuration with sensitive data masked
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		// ${VAR:-default} form
		if name, def, ok := strings.Cut(key, ":-"); ok {
			if v := os.Getenv(name); v != "" {
				return v
			}
			return def
		}
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

// DefaultConfig returns a complete simulate-mode configuration with one
// traded symbol. Tests use it as a starting point.
func DefaultConfig() *Config {
	c := &Config{
		Engine: EngineConfig{
			SimulateOnly:         true,
			HedgeMode:            true,
			MaxTotalExposureUSDT: 2000,
			UsePositionMonitor:   true,
			InstantTPEnabled:     true,
			BatchOrdersEnabled:   true,
		},
		Symbols: map[string]SymbolConfig{
			"BTCUSDT": {
				VolumeThresholdLong:  100000,
				VolumeThresholdShort: 100000,
				Leverage:             10,
				MarginType:           "ISOLATED",
				TradeSide:            "OPPOSITE",
				TradeValueUSDT:       100,
				PriceOffsetPct:       0.1,
				MaxPositionUSDT:      1000,
				TakeProfitEnabled:    true,
				TakeProfitPct:        2.0,
				StopLossEnabled:      true,
				StopLossPct:          1.0,
				WorkingType:          "MARK_PRICE",
				PriceProtect:         true,
			},
		},
	}
	c.applyDefaults()
	return c
}
