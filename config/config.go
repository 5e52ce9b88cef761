// Package config defines all configuration for the trading agent.
// Config is loaded from a YAML file (default: config.yaml) with sensitive
// fields overridable via AGENT_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bybit-trading-agent/internal/logging"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Bybit    BybitConfig    `mapstructure:"bybit"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Breaker  BreakerConfig  `mapstructure:"circuit_breaker"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  logging.Config `mapstructure:"logging"`
}

// BybitConfig holds exchange credentials and endpoints.
type BybitConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	TestNet      bool          `mapstructure:"testnet"`
	BaseURL      string        `mapstructure:"base_url"`       // empty = derived from testnet flag
	WSPublicURL  string        `mapstructure:"ws_public_url"`  // empty = derived from testnet flag
	WSPrivateURL string        `mapstructure:"ws_private_url"` // empty = derived from testnet flag
	RecvWindow   int           `mapstructure:"recv_window"`    // milliseconds
	CallTimeout  time.Duration `mapstructure:"call_timeout"`   // per-request deadline
}

// TradingConfig holds the agent's trading parameters.
type TradingConfig struct {
	Symbols         []string `mapstructure:"symbols"`           // symbols registered at startup
	Timeframe       string   `mapstructure:"timeframe"`         // decision timeframe, e.g. "15"
	MaxLeverage     int      `mapstructure:"max_leverage"`      // requested leverage is clamped to this
	DefaultRiskPct  float64  `mapstructure:"default_risk_pct"`  // risk % when the intent omits it
	DefaultTrailing string   `mapstructure:"default_trailing"`  // SUPERTREND, STRUCTURE or NONE
	CandleCap       int      `mapstructure:"candle_cap"`        // confirmed candles kept per symbol
	WarmupCandles   int      `mapstructure:"warmup_candles"`    // minimum buffer before any permission
}

// RiskConfig tunes stop-loss behaviour.
type RiskConfig struct {
	EmergencyBufferPct float64 `mapstructure:"emergency_buffer_pct"` // emergency SL distance below/above strategic
	FallbackSLPct      float64 `mapstructure:"fallback_sl_pct"`      // SL distance when no rule resolves
	BreakevenAtR       float64 `mapstructure:"breakeven_at_r"`       // profit in R that activates trailing
}

// BreakerConfig tunes the daily-drawdown circuit breaker.
type BreakerConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ThresholdPct float64 `mapstructure:"threshold_pct"` // daily loss % that trips the breaker
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Load reads configuration from the given file path (empty = config.yaml)
// with AGENT_* environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; env + defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bybit.recv_window", 5000)
	v.SetDefault("bybit.call_timeout", 5*time.Second)

	v.SetDefault("trading.timeframe", "15")
	v.SetDefault("trading.max_leverage", 10)
	v.SetDefault("trading.default_risk_pct", 1.0)
	v.SetDefault("trading.default_trailing", "SUPERTREND")
	v.SetDefault("trading.candle_cap", 2000)
	v.SetDefault("trading.warmup_candles", 1500)

	v.SetDefault("risk.emergency_buffer_pct", 4.0)
	v.SetDefault("risk.fallback_sl_pct", 2.0)
	v.SetDefault("risk.breakeven_at_r", 1.0)

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.threshold_pct", 50.0)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.json_format", false)
}

// Validate rejects configurations the agent cannot trade with.
func (c *Config) Validate() error {
	if c.Bybit.APIKey == "" || c.Bybit.APISecret == "" {
		return fmt.Errorf("bybit api_key and api_secret are required")
	}
	if c.Trading.MaxLeverage < 1 {
		return fmt.Errorf("trading.max_leverage must be >= 1, got %d", c.Trading.MaxLeverage)
	}
	if c.Trading.DefaultRiskPct <= 0 || c.Trading.DefaultRiskPct > 100 {
		return fmt.Errorf("trading.default_risk_pct must be in (0, 100], got %.2f", c.Trading.DefaultRiskPct)
	}
	if c.Risk.EmergencyBufferPct < 0 {
		return fmt.Errorf("risk.emergency_buffer_pct must be >= 0, got %.2f", c.Risk.EmergencyBufferPct)
	}
	if c.Breaker.ThresholdPct <= 0 || c.Breaker.ThresholdPct > 100 {
		return fmt.Errorf("circuit_breaker.threshold_pct must be in (0, 100], got %.2f", c.Breaker.ThresholdPct)
	}
	if c.Trading.CandleCap < c.Trading.WarmupCandles {
		return fmt.Errorf("trading.candle_cap (%d) must be >= trading.warmup_candles (%d)",
			c.Trading.CandleCap, c.Trading.WarmupCandles)
	}
	return nil
}
