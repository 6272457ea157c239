// Package config loads plansync settings from the config file, the
// environment, and built-in defaults, in that order of precedence
// (environment highest).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teacherly/plansync/internal/conflict"
	"github.com/teacherly/plansync/internal/entity"
)

// Config is the fully resolved configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Data      DataConfig      `mapstructure:"data"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`

	// Strategies maps entity types to conflict strategies, overriding the
	// built-in defaults.
	Strategies map[string]string `mapstructure:"strategies"`
}

// APIConfig locates the planning API.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// DataConfig locates local state.
type DataConfig struct {
	Dir       string `mapstructure:"dir"`
	DraftsDir string `mapstructure:"drafts_dir"`
}

// SyncConfig tunes the daemon.
type SyncConfig struct {
	FullInterval     time.Duration `mapstructure:"full_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	Debounce         time.Duration `mapstructure:"debounce"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
}

// DashboardConfig tunes the WebSocket dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// AnthropicConfig enables AI merge suggestions when a key is present.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// DefaultDir returns the default plansync home directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".plansync"
	}
	return filepath.Join(home, ".plansync")
}

// Load reads configuration from path (or the default location when path
// is empty), applies PLANSYNC_* environment overrides, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()

	dir := DefaultDir()
	v.SetDefault("api.base_url", "http://localhost:3000")
	v.SetDefault("api.token", "")
	v.SetDefault("data.dir", dir)
	v.SetDefault("data.drafts_dir", filepath.Join(dir, "drafts"))
	v.SetDefault("sync.full_interval", 5*time.Minute)
	v.SetDefault("sync.sweep_interval", time.Minute)
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.probe_interval", 30*time.Second)
	v.SetDefault("sync.cache_ttl", time.Hour)
	v.SetDefault("sync.retry_max_attempts", 3)
	v.SetDefault("dashboard.port", 8765)
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("strategies", map[string]string{})

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("PLANSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// No config file at the default location is fine; defaults and
		// environment overrides apply. A broken file is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Sync.Debounce < 0 || c.Sync.FullInterval < 0 || c.Sync.ProbeInterval < 0 {
		return fmt.Errorf("sync intervals must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	for name, strat := range c.Strategies {
		if !entity.Type(name).Valid() {
			return fmt.Errorf("strategies: unknown entity type %q", name)
		}
		if !conflict.Strategy(strat).Valid() {
			return fmt.Errorf("strategies: unknown strategy %q for %s", strat, name)
		}
	}
	return nil
}

// Resolver builds a conflict resolver with configured overrides applied.
func (c *Config) Resolver() (*conflict.Resolver, error) {
	r := conflict.NewResolver()
	for name, strat := range c.Strategies {
		if err := r.SetStrategy(entity.Type(name), conflict.Strategy(strat)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DatabasePath returns the path of the local SQLite store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.Dir, "plansync.db")
}
