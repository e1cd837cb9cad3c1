package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "CHARTBET_") {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
	for _, key := range []string{"PORT", "DATABASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Trading.SeedShares != 100 || cfg.Trading.Liquidity != 1000 || cfg.Trading.Fee != 0.02 {
		t.Errorf("Trading = %+v, want seed 100, liquidity 1000, fee 0.02", cfg.Trading)
	}
	if cfg.Redis.CacheTTL.Duration != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", cfg.Redis.CacheTTL.Duration)
	}
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty (memory store)", cfg.Database.URL)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "chartbet.toml")
	content := `
log_level = "debug"

[server]
port = 9090
read_timeout = "3s"
admin_token = "secret"

[trading]
fee = 0.05
max_retries = 5

[notify]
events = ["market_resolved"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout.Duration != 3*time.Second {
		t.Errorf("ReadTimeout = %v, want 3s", cfg.Server.ReadTimeout.Duration)
	}
	if cfg.Server.WriteTimeout.Duration != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want default 10s", cfg.Server.WriteTimeout.Duration)
	}
	if cfg.Trading.Fee != 0.05 || cfg.Trading.MaxRetries != 5 {
		t.Errorf("Trading = %+v", cfg.Trading)
	}
	if cfg.Trading.Liquidity != 1000 {
		t.Errorf("Liquidity = %v, want default 1000", cfg.Trading.Liquidity)
	}
	if len(cfg.Notify.Events) != 1 || cfg.Notify.Events[0] != "market_resolved" {
		t.Errorf("Events = %v", cfg.Notify.Events)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "chartbet.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHARTBET_SERVER_PORT", "7070")
	t.Setenv("CHARTBET_TRADING_LIQUIDITY", "2500")
	t.Setenv("CHARTBET_REDIS_CACHE_TTL", "1m")
	t.Setenv("CHARTBET_NOTIFY_EVENTS", "market_created, market_resolved,")
	t.Setenv("DATABASE_URL", "postgres://alias")
	t.Setenv("CHARTBET_DATABASE_URL", "postgres://primary")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Trading.Liquidity != 2500 {
		t.Errorf("Liquidity = %v, want 2500", cfg.Trading.Liquidity)
	}
	if cfg.Redis.CacheTTL.Duration != time.Minute {
		t.Errorf("CacheTTL = %v, want 1m", cfg.Redis.CacheTTL.Duration)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "market_resolved" {
		t.Errorf("Events = %v", cfg.Notify.Events)
	}
	if cfg.Database.URL != "postgres://primary" {
		t.Errorf("Database.URL = %q, prefixed variable should win", cfg.Database.URL)
	}
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHARTBET_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"fee too high", func(c *Config) { c.Trading.Fee = 0.2 }, "fee"},
		{"negative fee", func(c *Config) { c.Trading.Fee = -0.01 }, "fee"},
		{"zero liquidity", func(c *Config) { c.Trading.Liquidity = 0 }, "liquidity"},
		{"zero seed", func(c *Config) { c.Trading.SeedShares = 0 }, "seed_shares"},
		{"negative retries", func(c *Config) { c.Trading.MaxRetries = -1 }, "max_retries"},
		{"negative limit", func(c *Config) { c.Limits.MaxCorrelated = -1 }, "limits"},
		{"redis without ttl", func(c *Config) {
			c.Redis.URL = "redis://localhost:6379"
			c.Redis.CacheTTL.Duration = 0
		}, "cache_ttl"},
		{"empty queue", func(c *Config) { c.Notify.QueueSize = 0 }, "queue_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Trading.Fee = 1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "log_level") || !strings.Contains(err.Error(), "fee") {
		t.Errorf("error should list both problems: %v", err)
	}
}

func TestDecimal(t *testing.T) {
	if got := Decimal(0.02).String(); got != "0.02" {
		t.Errorf("Decimal(0.02) = %s, want 0.02", got)
	}
}
