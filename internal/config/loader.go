package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies CHARTBET_* environment overrides. A .env file in
// the working directory is loaded first if present. The returned Config
// has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setInt(&cfg.Server.Port, "CHARTBET_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "CHARTBET_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "CHARTBET_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "CHARTBET_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "CHARTBET_SERVER_SHUTDOWN_TIMEOUT")
	setStr(&cfg.Server.AdminToken, "CHARTBET_SERVER_ADMIN_TOKEN")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL") // platform alias
	setStr(&cfg.Database.URL, "CHARTBET_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "CHARTBET_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL") // platform alias
	setStr(&cfg.Redis.URL, "CHARTBET_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "CHARTBET_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Channel, "CHARTBET_REDIS_CHANNEL")

	// ── Trading ──
	setFloat64(&cfg.Trading.SeedShares, "CHARTBET_TRADING_SEED_SHARES")
	setFloat64(&cfg.Trading.Liquidity, "CHARTBET_TRADING_LIQUIDITY")
	setFloat64(&cfg.Trading.Fee, "CHARTBET_TRADING_FEE")
	setInt(&cfg.Trading.MaxRetries, "CHARTBET_TRADING_MAX_RETRIES")

	// ── Limits ──
	setFloat64(&cfg.Limits.MaxPerMarket, "CHARTBET_LIMITS_MAX_PER_MARKET")
	setFloat64(&cfg.Limits.MaxCorrelated, "CHARTBET_LIMITS_MAX_CORRELATED")

	// ── Notify ──
	setInt(&cfg.Notify.QueueSize, "CHARTBET_NOTIFY_QUEUE_SIZE")
	setStr(&cfg.Notify.DiscordWebhookURL, "CHARTBET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CHARTBET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "CHARTBET_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
