package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify loom configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/loom/config.yaml
Project-specific overrides can be placed in .loom/config.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("db.path: %s\n", orUnset(cfg.DB.Path))
	fmt.Printf("search.backend_url: %s\n", orUnset(cfg.Search.BackendURL))
	fmt.Printf("search.model: %s\n", cfg.Search.Model)
	fmt.Printf("search.fallback_enabled: %t\n", cfg.Search.FallbackEnabled)
	fmt.Printf("search.default_limit: %d\n", cfg.Search.DefaultLimit)
	fmt.Printf("search.timeout: %s\n", cfg.Search.Timeout)
	fmt.Printf("breaker.failure_threshold: %d\n", cfg.Breaker.FailureThreshold)
	fmt.Printf("breaker.cooldown: %s\n", cfg.Breaker.Cooldown)
	fmt.Printf("execute.max_attempts: %d\n", cfg.Execute.MaxAttempts)
	fmt.Printf("execute.base_delay: %s\n", cfg.Execute.BaseDelay)
	fmt.Printf("execute.max_delay: %s\n", cfg.Execute.MaxDelay)
	fmt.Printf("execute.workers: %d\n", cfg.Execute.Workers)
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue returns the display value for a config key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch key {
	case "db.path":
		return cfg.DB.Path, nil
	case "search.backend_url":
		return cfg.Search.BackendURL, nil
	case "search.model":
		return cfg.Search.Model, nil
	case "search.fallback_enabled":
		return strconv.FormatBool(cfg.Search.FallbackEnabled), nil
	case "search.default_limit":
		return strconv.Itoa(cfg.Search.DefaultLimit), nil
	case "search.timeout":
		return cfg.Search.Timeout.String(), nil
	case "breaker.failure_threshold":
		return strconv.Itoa(cfg.Breaker.FailureThreshold), nil
	case "breaker.cooldown":
		return cfg.Breaker.Cooldown.String(), nil
	case "execute.max_attempts":
		return strconv.Itoa(cfg.Execute.MaxAttempts), nil
	case "execute.base_delay":
		return cfg.Execute.BaseDelay.String(), nil
	case "execute.max_delay":
		return cfg.Execute.MaxDelay.String(), nil
	case "execute.workers":
		return strconv.Itoa(cfg.Execute.Workers), nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

// setConfigValue assigns a config key from its string form.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch key {
	case "db.path":
		cfg.DB.Path = value
	case "search.backend_url":
		cfg.Search.BackendURL = value
	case "search.model":
		cfg.Search.Model = value
	case "search.fallback_enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool for %s: %q", key, value)
		}
		cfg.Search.FallbackEnabled = b
	case "search.default_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %q", key, value)
		}
		cfg.Search.DefaultLimit = n
	case "search.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
		cfg.Search.Timeout = d
	case "breaker.failure_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %q", key, value)
		}
		cfg.Breaker.FailureThreshold = n
	case "breaker.cooldown":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
		cfg.Breaker.Cooldown = d
	case "execute.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %q", key, value)
		}
		cfg.Execute.MaxAttempts = n
	case "execute.base_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
		cfg.Execute.BaseDelay = d
	case "execute.max_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
		cfg.Execute.MaxDelay = d
	case "execute.workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid number for %s: %q", key, value)
		}
		cfg.Execute.Workers = n
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
