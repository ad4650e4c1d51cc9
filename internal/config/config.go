// Package config loads gateway configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes runtime options for the gateway daemon.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogFile    string `yaml:"log_file"`
	LogLevel   string `yaml:"log_level"`

	AuthSecret string `yaml:"auth_secret"`

	Provider ProviderConfig `yaml:"provider"`
	Credit   CreditConfig   `yaml:"credit"`
}

// ProviderConfig configures the upstream model provider client and the
// stream normalizer.
type ProviderConfig struct {
	APIKey                string `yaml:"api_key"`
	BaseURL               string `yaml:"base_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	// PartialWaitSeconds bounds how long an incomplete stream record is held
	// for rejoining before being discarded.
	PartialWaitSeconds int `yaml:"partial_wait_seconds"`
}

// CreditConfig selects and configures the credit store backend.
type CreditConfig struct {
	// Backend is one of: none, sqlite, postgres.
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxOpen     int    `yaml:"max_open"`
	MaxIdle     int    `yaml:"max_idle"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr: ":8787",
		LogLevel:   "info",
		Provider: ProviderConfig{
			RequestTimeoutSeconds: 120,
			PartialWaitSeconds:    5,
		},
		Credit: CreditConfig{
			Backend:    "sqlite",
			SQLitePath: "data/credit.db",
		},
	}
}

// Load reads the YAML file at path (if it exists), applies LOOMGATE_*
// environment overrides, and validates the result. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// Missing file is fine; environment may carry everything.
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOOMGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOOMGATE_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("LOOMGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOMGATE_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("LOOMGATE_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("LOOMGATE_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("LOOMGATE_PROVIDER_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Provider.RequestTimeoutSeconds = n
		}
	}
	if v := os.Getenv("LOOMGATE_PARTIAL_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Provider.PartialWaitSeconds = n
		}
	}
	if v := os.Getenv("LOOMGATE_CREDIT_BACKEND"); v != "" {
		cfg.Credit.Backend = v
	}
	if v := os.Getenv("LOOMGATE_CREDIT_SQLITE_PATH"); v != "" {
		cfg.Credit.SQLitePath = v
	}
	if v := os.Getenv("LOOMGATE_CREDIT_POSTGRES_DSN"); v != "" {
		cfg.Credit.PostgresDSN = v
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("config: auth_secret is required")
	}
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		return errors.New("config: provider.api_key is required")
	}
	switch c.Credit.Backend {
	case "none", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Credit.PostgresDSN) == "" {
			return errors.New("config: credit.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown credit backend %q", c.Credit.Backend)
	}
	return nil
}

// RequestTimeout returns the provider request timeout as a duration.
func (p ProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// PartialWait returns the partial-frame hold bound as a duration.
func (p ProviderConfig) PartialWait() time.Duration {
	return time.Duration(p.PartialWaitSeconds) * time.Second
}
