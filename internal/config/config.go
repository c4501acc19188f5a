package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"5000"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	AblyPublishKey string `env:"ABLY_PUBLISH_KEY,required"`

	APNSServer     string `env:"APNS_SERVER" envDefault:"api.sandbox.push.apple.com:443"`
	APNSCredSecret string `env:"APNS_CRED_SECRET_PKCS8,required"`
	APNSCredID     string `env:"APNS_CRED_ID,required"`
	APNSTeamID     string `env:"APNS_TEAM_ID,required"`
	APNSTopic      string `env:"APNS_TOPIC" envDefault:"io.clickonetwo.whisper"`

	RedisURL      string `env:"REDIS_URL"`
	RediscloudURL string `env:"REDISCLOUD_URL"`
	KeyPrefix     string `env:"DB_KEY_PREFIX" envDefault:"w:"`

	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	TranscriptTTLDays int           `env:"TRANSCRIPT_TTL_DAYS" envDefault:"30"`
	TranscriptOverlap time.Duration `env:"TRANSCRIPT_OVERLAP_MS" envDefault:"5s"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile   string
	Port      int
	LogLevel  string
	RedisURL  string
	KeyPrefix string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.Port != 0 {
		cfg.Port = overrides.Port
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}
	if overrides.KeyPrefix != "" {
		cfg.KeyPrefix = overrides.KeyPrefix
	}

	// Heroku-style deployments provide REDISCLOUD_URL instead of REDIS_URL.
	if cfg.RedisURL == "" {
		cfg.RedisURL = cfg.RediscloudURL
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !strings.Contains(c.AblyPublishKey, ":") {
		return fmt.Errorf("ABLY_PUBLISH_KEY must be a full key of the form name:secret")
	}
	if c.TranscriptTTLDays < 1 {
		return fmt.Errorf("TRANSCRIPT_TTL_DAYS must be >= 1, got %d", c.TranscriptTTLDays)
	}
	return nil
}

// IsProduction reports whether the process targets the production APNS
// environment and prod key namespace.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// TranscriptTTL returns the configured transcript lifetime as a duration.
func (c *Config) TranscriptTTL() time.Duration {
	return time.Duration(c.TranscriptTTLDays) * 24 * time.Hour
}
