// Package config loads a YAML configuration tree with env-var expansion and
// aggregates field-level validation errors rather than failing on the first.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration tree for one gridbot process, which
// may supervise several independently-running bots.
type Config struct {
	Bots      []BotConfig     `yaml:"bots"`
	Chain     ChainConfig     `yaml:"chain"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BotConfig is one bot's CLI-equivalent configuration.
type BotConfig struct {
	Name          string `yaml:"name" validate:"required"`
	Pool          string `yaml:"pool" validate:"required"`
	AssetASymbol  string `yaml:"asset_a_symbol" validate:"required"`
	AssetAPrec    uint8  `yaml:"asset_a_precision"`
	AssetBSymbol  string `yaml:"asset_b_symbol" validate:"required"`
	AssetBPrec    uint8  `yaml:"asset_b_precision"`
	Interval      string `yaml:"interval" validate:"required"`
	LookbackHours int    `yaml:"lookback_hours" validate:"min=1,max=720"`
	APIKey        Secret `yaml:"api_key"`
}

// IntervalDuration parses Interval, defaulting to 5s on a blank/invalid value.
func (b BotConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(b.Interval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// ChainConfig holds chain-transport tunables. The transport itself is an
// external collaborator; this is only the budget/timeout shape gridbot
// imposes on it.
type ChainConfig struct {
	Endpoints          []string `yaml:"endpoints" validate:"required,min=1"`
	ConnectionTimeout  int      `yaml:"connection_timeout_ms" validate:"min=1"`
	RequestsPerSecond  float64  `yaml:"requests_per_second" validate:"min=0"`
	RetryBaseDelayMS   int      `yaml:"retry_base_delay_ms" validate:"min=1"`
	RetryMaxDelayMS    int      `yaml:"retry_max_delay_ms" validate:"min=1"`
	RetryMaxAttempts   int      `yaml:"retry_max_attempts" validate:"min=1,max=10"`
	NetworkFeeAssetID  string   `yaml:"network_fee_asset_id" validate:"required"`
}

// StrategyConfig holds the Strategy/Reconciler tunables.
type StrategyConfig struct {
	ActiveOrdersBuy              int     `yaml:"active_orders_buy" validate:"min=1,max=200"`
	ActiveOrdersSell             int     `yaml:"active_orders_sell" validate:"min=1,max=200"`
	IncrementPercent             float64 `yaml:"increment_percent" validate:"min=0,max=1"`
	WeightDistributionBuy        float64 `yaml:"weight_distribution_buy" validate:"min=0"`
	WeightDistributionSell       float64 `yaml:"weight_distribution_sell" validate:"min=0"`
	MinOrderSizeFactor           float64 `yaml:"min_order_size_factor" validate:"min=0"`
	GridRegenerationPercentage   float64 `yaml:"grid_regeneration_percentage"`
	RMSPercentage                float64 `yaml:"rms_percentage"`
	AllowSmallerChainSizeOnSync  bool    `yaml:"allow_smaller_chain_size_on_sync"`
}

// RiskConfig holds the Accountant drift / BTS reservation tunables.
type RiskConfig struct {
	BtsReservationMultiplier float64 `yaml:"bts_reservation_multiplier" validate:"min=0"`
	BtsFallbackFee           float64 `yaml:"bts_fallback_fee" validate:"min=0"`
	DriftTolerancePercent    float64 `yaml:"drift_tolerance_percent"`
	ProcessedFillTTLMinutes  int     `yaml:"processed_fill_ttl_minutes" validate:"min=1"`
}

// StoreConfig points at the per-bot persistence backend.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path" validate:"required"`
}

// TelemetryConfig controls metrics/tracing export.
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	MetricsPort   int    `yaml:"metrics_port" validate:"min=0,max=65535"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing"`
}

// LoggingConfig controls the logger's level.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// ValidationError is one field-level configuration error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, aggregating every validation failure rather than stopping at
// the first. A failure here is a startup failure: the process never runs
// against a config it couldn't fully validate.
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

// Validate aggregates every field-level error instead of returning on the first.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Bots) == 0 {
		errs = append(errs, ValidationError{Field: "bots", Message: "at least one bot must be configured"}.Error())
	}
	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		prefix := fmt.Sprintf("bots[%d]", i)
		if b.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "bot name is required"}.Error())
			continue
		}
		if seen[b.Name] {
			errs = append(errs, ValidationError{Field: prefix + ".name", Value: b.Name, Message: "duplicate bot name"}.Error())
		}
		seen[b.Name] = true
		if b.Pool == "" {
			errs = append(errs, ValidationError{Field: prefix + ".pool", Message: "pool id is required"}.Error())
		}
		if b.AssetASymbol == "" || b.AssetBSymbol == "" {
			errs = append(errs, ValidationError{Field: prefix, Message: "both asset symbols are required"}.Error())
		}
	}

	if len(c.Chain.Endpoints) == 0 {
		errs = append(errs, ValidationError{Field: "chain.endpoints", Message: "at least one node endpoint is required"}.Error())
	}
	if c.Chain.NetworkFeeAssetID == "" {
		errs = append(errs, ValidationError{Field: "chain.network_fee_asset_id", Message: "the network fee asset id is required"}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Logging.Level)) {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}.Error())
	}

	if c.Strategy.ActiveOrdersBuy <= 0 || c.Strategy.ActiveOrdersSell <= 0 {
		errs = append(errs, ValidationError{Field: "strategy.active_orders_{buy,sell}", Message: "must be positive"}.Error())
	}

	if c.Store.DatabasePath == "" {
		errs = append(errs, ValidationError{Field: "store.database_path", Message: "database path is required"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	cp := *c
	data, _ := yaml.Marshal(cp)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if idx := strings.Index(key, ":-"); idx >= 0 {
			name, def := key[:idx], key[idx+2:]
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

// DefaultConfig returns a safe default configuration for local/demo runs.
func DefaultConfig() *Config {
	return &Config{
		Bots: []BotConfig{{
			Name:          "default",
			Pool:          "1.19.0",
			AssetASymbol:  "BTS",
			AssetAPrec:    5,
			AssetBSymbol:  "USD",
			AssetBPrec:    4,
			Interval:      "5s",
			LookbackHours: 24,
		}},
		Chain: ChainConfig{
			Endpoints:         []string{"wss://node1.example/ws"},
			ConnectionTimeout: 10000,
			RequestsPerSecond: 10,
			RetryBaseDelayMS:  500,
			RetryMaxDelayMS:   10000,
			RetryMaxAttempts:  3,
			NetworkFeeAssetID: "1.3.0",
		},
		Strategy: StrategyConfig{
			ActiveOrdersBuy:             10,
			ActiveOrdersSell:            10,
			IncrementPercent:            0.01,
			WeightDistributionBuy:       1.0,
			WeightDistributionSell:      1.0,
			MinOrderSizeFactor:          10,
			GridRegenerationPercentage:  0.03,
			RMSPercentage:               0.143,
			AllowSmallerChainSizeOnSync: true,
		},
		Risk: RiskConfig{
			BtsReservationMultiplier: 2.0,
			BtsFallbackFee:           0.01,
			DriftTolerancePercent:    0.001,
			ProcessedFillTTLMinutes:  60,
		},
		Store: StoreConfig{
			DatabasePath: "gridbot.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "dexgrid",
			MetricsPort:   9090,
			EnableMetrics: true,
			EnableTracing: true,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}
