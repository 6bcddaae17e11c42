package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the fishing engine. Values come from the
// environment; a .env file is honored for local development.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// DataDir is the root for the badger stores (recovery markers and the
	// resolved-session cache).
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// RedisAddr enables the shared daily-quota counter. Empty keeps the
	// single-process in-memory store.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Session timing.
	WaitTimeMin time.Duration `env:"WAIT_TIME_MIN" envDefault:"1s"`
	WaitTimeMax time.Duration `env:"WAIT_TIME_MAX" envDefault:"6s"`
	ResultTTL   time.Duration `env:"RESULT_TTL" envDefault:"10m"`

	// Autofish.
	AutofishInterval time.Duration `env:"AUTOFISH_INTERVAL" envDefault:"8s"`
	AutofishWatchdog time.Duration `env:"AUTOFISH_WATCHDOG" envDefault:"30s"`
	DailyCastLimit   int           `env:"DAILY_CAST_LIMIT" envDefault:"100"`

	// Presence.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"2s"`
	EmoteTTL          time.Duration `env:"EMOTE_TTL" envDefault:"3s"`

	// Rate limiting for the cast/catch endpoints, per player token.
	RateLimit       int           `env:"RATE_LIMIT" envDefault:"30"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// FishCatalogPath overrides the built-in species table when set.
	FishCatalogPath string `env:"FISH_CATALOG_PATH"`
}

// Load reads configuration from environment variables, preferring a local
// .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	if c.WaitTimeMin <= 0 || c.WaitTimeMax < c.WaitTimeMin {
		return fmt.Errorf("invalid wait time range [%s, %s]", c.WaitTimeMin, c.WaitTimeMax)
	}
	if c.DailyCastLimit < 0 {
		return fmt.Errorf("invalid DAILY_CAST_LIMIT: %d", c.DailyCastLimit)
	}
	if c.AutofishWatchdog <= 0 {
		return fmt.Errorf("invalid AUTOFISH_WATCHDOG: %s", c.AutofishWatchdog)
	}
	if c.RateLimit < 1 {
		return fmt.Errorf("invalid RATE_LIMIT: %d", c.RateLimit)
	}
	return nil
}
