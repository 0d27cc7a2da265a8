package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the top-level application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds database connection settings. An empty URL
// selects the in-memory stores.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig holds settings for the cron scheduler.
type SchedulerConfig struct {
	Timezone string `yaml:"timezone"` // IANA name, default "Local"
}

// DispatchConfig bounds concurrent event dispatches.
type DispatchConfig struct {
	GlobalMax int `yaml:"global_max"` // max concurrent dispatches system-wide (default: 32)
	PerEvent  int `yaml:"per_event"`  // max concurrent dispatches per event name (default: 8)
}

// HTTPConfig holds settings for the outbound HTTP client used by
// http_request and webhook actions.
type HTTPConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRedirects   int `yaml:"max_redirects"`
	Retries        int `yaml:"retries"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel maps the configured level name onto slog's levels.
// Unknown names fall back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Timezone: "Local"},
		Dispatch:  DispatchConfig{GlobalMax: 32, PerEvent: 8},
		HTTP: HTTPConfig{
			TimeoutSeconds: 30,
			MaxRedirects:   5,
			Retries:        3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML configuration file at path and returns a Config.
// A .env file in the working directory is loaded first, and
// DATABASE_URL from the environment overrides the file value.
func Load(path string) (*Config, error) {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, it returns sensible defaults (still
// honoring .env and environment overrides). Any other error
// (e.g. permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = godotenv.Load()
			cfg = defaults()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
}
