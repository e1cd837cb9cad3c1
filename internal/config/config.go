// Package config loads the market engine configuration from a TOML file,
// an optional .env file and CHARTBET_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Trading  TradingConfig  `toml:"trading"`
	Limits   LimitsConfig   `toml:"limits"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	AdminToken      string   `toml:"admin_token"`
}

// DatabaseConfig selects the PostgreSQL store. An empty URL runs the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the pub/sub publisher.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	Channel  string   `toml:"channel"`
}

// TradingConfig holds market defaults and execution tuning. Monetary values
// are converted to decimal once, at startup.
type TradingConfig struct {
	SeedShares float64 `toml:"seed_shares"`
	Liquidity  float64 `toml:"liquidity"`
	Fee        float64 `toml:"fee"`
	MaxRetries int     `toml:"max_retries"`
}

// LimitsConfig caps a user's open cost basis. Zero disables a limit.
type LimitsConfig struct {
	MaxPerMarket  float64 `toml:"max_per_market"`
	MaxCorrelated float64 `toml:"max_correlated"`
}

// NotifyConfig configures event fan-out.
type NotifyConfig struct {
	QueueSize         int      `toml:"queue_size"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			Channel:  "chartbet:market-events",
		},
		Trading: TradingConfig{
			SeedShares: 100,
			Liquidity:  1000,
			Fee:        0.02,
			MaxRetries: 3,
		},
		Limits: LimitsConfig{
			MaxPerMarket:  10000,
			MaxCorrelated: 25000,
		},
		Notify: NotifyConfig{
			QueueSize: 1024,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.ReadTimeout.Duration <= 0 || c.Server.WriteTimeout.Duration <= 0 {
		errs = append(errs, "server: read_timeout and write_timeout must be positive")
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}

	if c.Trading.SeedShares <= 0 {
		errs = append(errs, "trading: seed_shares must be positive")
	}
	if c.Trading.Liquidity <= 0 {
		errs = append(errs, "trading: liquidity must be positive")
	}
	if c.Trading.Fee < 0 || c.Trading.Fee > 0.1 {
		errs = append(errs, fmt.Sprintf("trading: fee %v outside [0, 0.1]", c.Trading.Fee))
	}
	if c.Trading.MaxRetries < 0 {
		errs = append(errs, "trading: max_retries must not be negative")
	}

	if c.Limits.MaxPerMarket < 0 || c.Limits.MaxCorrelated < 0 {
		errs = append(errs, "limits: caps must not be negative")
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive when redis is enabled")
	}

	if c.Notify.QueueSize <= 0 {
		errs = append(errs, "notify: queue_size must be positive")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// Decimal converts a configured float to a decimal.
func Decimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
