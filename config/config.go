// Package config loads gateway settings from the environment with an
// optional .env file for local development. Every knob has a default; only
// production deployments are required to provide an encryption key.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// RedisConfig points optional shared state (rate limits, caches, events) at
// a Redis instance. Empty URL keeps everything in process memory.
type RedisConfig struct {
	URL string
}

// ClickHouseConfig enables the analytics sink for per-request usage logs.
// Empty Addr routes the usage log to slog instead.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Config is the full runtime configuration of an embedded gateway core.
type Config struct {
	Environment   string // development | test | production
	LogLevel      string // debug | info | warn | error
	EncryptionKey string // credential vault key: raw, hex or base64 32 bytes

	CallTimeout       time.Duration
	SelfHostedTimeout time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	RateLimitWindow   time.Duration
	RouteCacheTTL     time.Duration
	MaxRetries        int

	Redis      RedisConfig
	ClickHouse ClickHouseConfig

	// StatusAddr enables the operational HTTP endpoint (health, readiness,
	// metrics) when non-empty, e.g. ":9090".
	StatusAddr  string
	CORSOrigins []string
}

// Production reports whether the config targets a production environment.
func (c *Config) Production() bool { return c.Environment == "production" }

// Default returns the built-in configuration without reading the
// environment. Useful for embedding the core in tests and tools.
func Default() *Config {
	return &Config{
		Environment:       "development",
		LogLevel:          "info",
		CallTimeout:       providers.CallTimeout,
		SelfHostedTimeout: providers.SelfHostedCallTimeout,
		ProbeInterval:     providers.ProbeInterval,
		ProbeTimeout:      providers.ProbeTimeout,
		BreakerThreshold:  providers.BreakerThreshold,
		BreakerCooldown:   providers.BreakerCooldown,
		RateLimitWindow:   providers.RateLimitWindow,
		RouteCacheTTL:     providers.RouteCacheTTL,
		MaxRetries:        providers.MaxRetries,
		ClickHouse:        ClickHouseConfig{Database: "default", Username: "default"},
		CORSOrigins:       []string{"*"},
	}
}

// Load reads configuration from the environment (plus .env when present)
// and validates it.
func Load() (*Config, error) {
	loadDotEnv()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Environment:       v.GetString("ENVIRONMENT"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		EncryptionKey:     v.GetString("ENCRYPTION_KEY"),
		CallTimeout:       v.GetDuration("CALL_TIMEOUT"),
		SelfHostedTimeout: v.GetDuration("SELF_HOSTED_TIMEOUT"),
		ProbeInterval:     v.GetDuration("HEALTH_PROBE_INTERVAL"),
		ProbeTimeout:      v.GetDuration("HEALTH_PROBE_TIMEOUT"),
		BreakerThreshold:  v.GetInt("CB_FAILURE_THRESHOLD"),
		BreakerCooldown:   v.GetDuration("CB_COOLDOWN"),
		RateLimitWindow:   v.GetDuration("RATE_LIMIT_WINDOW"),
		RouteCacheTTL:     v.GetDuration("ROUTE_CACHE_TTL"),
		MaxRetries:        v.GetInt("MAX_RETRIES"),
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DB"),
			Username: v.GetString("CLICKHOUSE_USER"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},
		StatusAddr:  v.GetString("STATUS_ADDR"),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CALL_TIMEOUT", providers.CallTimeout)
	v.SetDefault("SELF_HOSTED_TIMEOUT", providers.SelfHostedCallTimeout)
	v.SetDefault("HEALTH_PROBE_INTERVAL", providers.ProbeInterval)
	v.SetDefault("HEALTH_PROBE_TIMEOUT", providers.ProbeTimeout)
	v.SetDefault("CB_FAILURE_THRESHOLD", providers.BreakerThreshold)
	v.SetDefault("CB_COOLDOWN", providers.BreakerCooldown)
	v.SetDefault("RATE_LIMIT_WINDOW", providers.RateLimitWindow)
	v.SetDefault("ROUTE_CACHE_TTL", providers.RouteCacheTTL)
	v.SetDefault("MAX_RETRIES", providers.MaxRetries)
	v.SetDefault("CLICKHOUSE_DB", "default")
	v.SetDefault("CLICKHOUSE_USER", "default")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
}

// loadDotEnv loads a .env file when one exists next to the process. Real
// environment variables always win over file values.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	_ = gotenv.Load(".env")
}

func (c *Config) validate() error {
	switch c.Environment {
	case "development", "test", "production":
	default:
		return fmt.Errorf("config: unknown ENVIRONMENT %q (want development, test or production)", c.Environment)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LOG_LEVEL %q (want debug, info, warn or error)", c.LogLevel)
	}
	if c.Production() && c.EncryptionKey == "" {
		return fmt.Errorf("config: ENCRYPTION_KEY is required when ENVIRONMENT=production")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: CALL_TIMEOUT must be positive, got %s", c.CallTimeout)
	}
	if c.SelfHostedTimeout <= 0 {
		return fmt.Errorf("config: SELF_HOSTED_TIMEOUT must be positive, got %s", c.SelfHostedTimeout)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("config: HEALTH_PROBE_INTERVAL must be positive, got %s", c.ProbeInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("config: HEALTH_PROBE_TIMEOUT must be positive, got %s", c.ProbeTimeout)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be at least 1, got %d", c.BreakerThreshold)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be positive, got %s", c.BreakerCooldown)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	return nil
}
