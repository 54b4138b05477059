// Package config handles configuration loading for loom.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for loom.
type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	Search  SearchConfig  `mapstructure:"search"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Execute ExecuteConfig `mapstructure:"execute"`
}

// DBConfig holds database settings.
type DBConfig struct {
	// Path is the sqlite database file. Empty means the project
	// database under .loom/.
	Path string `mapstructure:"path"`
}

// SearchConfig holds search backend settings.
type SearchConfig struct {
	// BackendURL is the embedding/vector service root. Empty disables
	// semantic search; keyword search always works.
	BackendURL string `mapstructure:"backend_url"`
	// Model is the embedding model name.
	Model string `mapstructure:"model"`
	// FallbackEnabled substitutes keyword results when semantic search
	// fails or comes back empty. Hot-reloadable.
	FallbackEnabled bool `mapstructure:"fallback_enabled"`
	// DefaultLimit is the result count when callers do not specify one.
	DefaultLimit int `mapstructure:"default_limit"`
	// Timeout bounds each backend request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BreakerConfig holds circuit breaker settings. Hot-reloadable.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// ExecuteConfig holds execution coordinator settings.
type ExecuteConfig struct {
	// MaxAttempts is the retry ceiling for transient failures.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BaseDelay is the first backoff delay; it doubles each attempt.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Workers is the worker pool size.
	Workers int `mapstructure:"workers"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (LOOM_*)
// 2. Project config (.loom/config.yaml in current directory or parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	v.BindEnv("db.path", "LOOM_DB_PATH")
	v.BindEnv("search.backend_url", "LOOM_SEARCH_BACKEND_URL")
	v.BindEnv("search.model", "LOOM_SEARCH_MODEL")
	v.BindEnv("search.fallback_enabled", "LOOM_SEARCH_FALLBACK_ENABLED")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Save writes the given configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("db.path", cfg.DB.Path)
	v.Set("search.backend_url", cfg.Search.BackendURL)
	v.Set("search.model", cfg.Search.Model)
	v.Set("search.fallback_enabled", cfg.Search.FallbackEnabled)
	v.Set("search.default_limit", cfg.Search.DefaultLimit)
	v.Set("search.timeout", cfg.Search.Timeout.String())
	v.Set("breaker.failure_threshold", cfg.Breaker.FailureThreshold)
	v.Set("breaker.cooldown", cfg.Breaker.Cooldown.String())
	v.Set("execute.max_attempts", cfg.Execute.MaxAttempts)
	v.Set("execute.base_delay", cfg.Execute.BaseDelay.String())
	v.Set("execute.max_delay", cfg.Execute.MaxDelay.String())
	v.Set("execute.workers", cfg.Execute.Workers)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if
// it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", "")

	v.SetDefault("search.backend_url", "")
	v.SetDefault("search.model", "nomic-embed-text")
	v.SetDefault("search.fallback_enabled", true)
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.timeout", "10s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("execute.max_attempts", 3)
	v.SetDefault("execute.base_delay", "500ms")
	v.SetDefault("execute.max_delay", "30s")
	v.SetDefault("execute.workers", 4)
}

// getUserConfigDir returns the XDG config directory for loom.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// findProjectConfig searches for .loom/config.yaml in the current
// directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".loom", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Search: SearchConfig{
			Model:           "nomic-embed-text",
			FallbackEnabled: true,
			DefaultLimit:    10,
			Timeout:         10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Execute: ExecuteConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Workers:     4,
		},
	}
}
