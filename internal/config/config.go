package config

import (
	"context"
	"time"
)

// Package config provides configuration management for mailcast.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (MAILCAST_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/mailcast/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - host, port: Listen address (default :8090)
//      - read_timeout, write_timeout, idle_timeout: HTTP timeouts in seconds
//      - rate_limit_per_min: Per-client request budget (0 disables)
//
//   2. Storage
//      - backend: "file" | "sqlite" | "pebble"
//      - path: Root directory of the file backend
//      - sqlite_path, pebble_path: Embedded database locations
//
//   3. Models
//      - hourly_location, daily_location: Artifact locations
//      - hourly_series, daily_series: Training series locations
//
//   4. Forecast
//      - timezone: Bucket timezone (default America/Los_Angeles)
//      - hourly_steps, daily_steps: Default horizons
//      - order, seasonal_order: SARIMA orders
//      - grid_search: Candidate orders and worker count
//      - max_evaluations: Optimiser budget
//      - smoothing_update_mode: "refit" | "online"
//
//   5. Retention
//      - hourly_days, daily_days: Training windows
//
//   6. Reload
//      - interval: Polling period
//      - policy: "both" | "any"
//      - watch: Follow artifact files with fsnotify
//
//   7. Trainer
//      - enabled, cron: In-process update schedule
//      - source_path: JSON-lines message export
//      - bootstrap_days: History collected by the bootstrap
//
//   8. Logging
//      - level, format, file, rotation settings
//
//   9. Metrics
//      - enabled, path
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host         string
		Port         int
		ReadTimeout  int
		WriteTimeout int
		IdleTimeout  int

		// RateLimitPerMin caps requests per client; zero disables the limit.
		RateLimitPerMin int
	}

	// Storage configuration
	Storage struct {
		Backend    string
		Path       string
		SQLitePath string
		PebblePath string
	}

	// Model artifact and training series locations
	Models struct {
		HourlyLocation string
		DailyLocation  string
		HourlySeries   string
		DailySeries    string
	}

	// Forecast configuration
	Forecast struct {
		Timezone            string
		HourlySteps         int
		DailySteps          int
		Order               []int
		SeasonalOrder       []int
		MaxEvaluations      int
		SmoothingUpdateMode string
		GridSearch          struct {
			Enabled bool
			P       []int
			D       []int
			Q       []int
			SP      []int
			SD      []int
			SQ      []int
			Workers int
		}
	}

	// Retention configuration
	Retention struct {
		HourlyDays int
		DailyDays  int
	}

	// Reload configuration
	Reload struct {
		Interval time.Duration
		Policy   string
		Watch    bool
	}

	// Trainer configuration
	Trainer struct {
		Enabled       bool
		Cron          string
		SourcePath    string
		BootstrapDays int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Metrics configuration
	Metrics struct {
		Enabled bool
		Path    string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no path is given.
const DefaultConfigPath = "/etc/mailcast/config.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
