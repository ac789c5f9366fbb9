package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	for field, v := range map[string]int{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"server.idle_timeout":  c.Server.IdleTimeout,
	} {
		if v < 1 {
			errs = append(errs, &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("timeout must be at least 1 second, got %d", v),
			})
		}
	}

	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit_per_min",
			Message: fmt.Sprintf("rate limit cannot be negative, got %d", c.Server.RateLimitPerMin),
		})
	}

	// Validate storage configuration
	switch c.Storage.Backend {
	case "file":
		if c.Storage.Path == "" {
			errs = append(errs, &ValidationError{
				Field:   "storage.path",
				Message: "path is required when backend is file",
			})
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "storage.sqlite_path",
				Message: "sqlite_path is required when backend is sqlite",
			})
		}
	case "pebble":
		if c.Storage.PebblePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "storage.pebble_path",
				Message: "pebble_path is required when backend is pebble",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: file, sqlite, pebble", c.Storage.Backend),
		})
	}

	// Validate model locations
	locations := map[string]string{
		"models.hourly_location": c.Models.HourlyLocation,
		"models.daily_location":  c.Models.DailyLocation,
		"models.hourly_series":   c.Models.HourlySeries,
		"models.daily_series":    c.Models.DailySeries,
	}
	seen := make(map[string]string, len(locations))
	for field, loc := range locations {
		if loc == "" {
			errs = append(errs, &ValidationError{Field: field, Message: "location is required"})
			continue
		}
		if other, dup := seen[loc]; dup {
			errs = append(errs, &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("location %q is also used by %s", loc, other),
			})
		}
		seen[loc] = field
	}

	// Validate forecast configuration
	if _, err := time.LoadLocation(c.Forecast.Timezone); err != nil || c.Forecast.Timezone == "" {
		errs = append(errs, &ValidationError{
			Field:   "forecast.timezone",
			Message: fmt.Sprintf("unknown timezone '%s'", c.Forecast.Timezone),
		})
	}
	if c.Forecast.HourlySteps < 1 {
		errs = append(errs, &ValidationError{
			Field:   "forecast.hourly_steps",
			Message: fmt.Sprintf("hourly_steps must be at least 1, got %d", c.Forecast.HourlySteps),
		})
	}
	if c.Forecast.DailySteps < 1 {
		errs = append(errs, &ValidationError{
			Field:   "forecast.daily_steps",
			Message: fmt.Sprintf("daily_steps must be at least 1, got %d", c.Forecast.DailySteps),
		})
	}
	if len(c.Forecast.Order) != 3 || anyNegative(c.Forecast.Order) {
		errs = append(errs, &ValidationError{
			Field:   "forecast.order",
			Message: fmt.Sprintf("order must be three non-negative values (p, d, q), got %v", c.Forecast.Order),
		})
	}
	if len(c.Forecast.SeasonalOrder) != 4 || anyNegative(c.Forecast.SeasonalOrder) {
		errs = append(errs, &ValidationError{
			Field:   "forecast.seasonal_order",
			Message: fmt.Sprintf("seasonal_order must be four non-negative values (P, D, Q, s), got %v", c.Forecast.SeasonalOrder),
		})
	} else if c.Forecast.SeasonalOrder[3] != 7 {
		errs = append(errs, &ValidationError{
			Field:   "forecast.seasonal_order",
			Message: fmt.Sprintf("seasonal period of the daily model must be 7, got %d", c.Forecast.SeasonalOrder[3]),
		})
	}
	if c.Forecast.MaxEvaluations < 0 {
		errs = append(errs, &ValidationError{
			Field:   "forecast.max_evaluations",
			Message: fmt.Sprintf("max_evaluations cannot be negative, got %d", c.Forecast.MaxEvaluations),
		})
	}
	switch strings.ToLower(c.Forecast.SmoothingUpdateMode) {
	case "refit", "online":
	default:
		errs = append(errs, &ValidationError{
			Field:   "forecast.smoothing_update_mode",
			Message: fmt.Sprintf("invalid update mode '%s', must be one of: refit, online", c.Forecast.SmoothingUpdateMode),
		})
	}
	if gs := c.Forecast.GridSearch; gs.Enabled {
		for field, vs := range map[string][]int{
			"forecast.grid_search.p":  gs.P,
			"forecast.grid_search.d":  gs.D,
			"forecast.grid_search.q":  gs.Q,
			"forecast.grid_search.sp": gs.SP,
			"forecast.grid_search.sd": gs.SD,
			"forecast.grid_search.sq": gs.SQ,
		} {
			if len(vs) == 0 || anyNegative(vs) {
				errs = append(errs, &ValidationError{
					Field:   field,
					Message: fmt.Sprintf("candidates must be a non-empty list of non-negative values, got %v", vs),
				})
			}
		}
		if gs.Workers < 0 {
			errs = append(errs, &ValidationError{
				Field:   "forecast.grid_search.workers",
				Message: fmt.Sprintf("workers cannot be negative, got %d", gs.Workers),
			})
		}
	}

	// Validate retention configuration
	if c.Retention.HourlyDays < 2 {
		errs = append(errs, &ValidationError{
			Field:   "retention.hourly_days",
			Message: fmt.Sprintf("hourly_days must cover at least two seasonal cycles, got %d", c.Retention.HourlyDays),
		})
	}
	if c.Retention.DailyDays < 14 {
		errs = append(errs, &ValidationError{
			Field:   "retention.daily_days",
			Message: fmt.Sprintf("daily_days must cover at least two seasonal cycles, got %d", c.Retention.DailyDays),
		})
	}

	// Validate reload configuration
	if c.Reload.Interval < time.Second {
		errs = append(errs, &ValidationError{
			Field:   "reload.interval",
			Message: fmt.Sprintf("interval must be at least 1s, got %s", c.Reload.Interval),
		})
	}
	switch c.Reload.Policy {
	case "both", "any":
	default:
		errs = append(errs, &ValidationError{
			Field:   "reload.policy",
			Message: fmt.Sprintf("invalid policy '%s', must be one of: both, any", c.Reload.Policy),
		})
	}

	// Validate trainer configuration
	if c.Trainer.Enabled {
		if !gronx.IsValid(c.Trainer.Cron) {
			errs = append(errs, &ValidationError{
				Field:   "trainer.cron",
				Message: fmt.Sprintf("invalid cron expression '%s'", c.Trainer.Cron),
			})
		}
		if c.Trainer.SourcePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "trainer.source_path",
				Message: "source_path is required when the trainer is enabled",
			})
		}
	}
	if c.Trainer.BootstrapDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "trainer.bootstrap_days",
			Message: fmt.Sprintf("bootstrap_days must be at least 1, got %d", c.Trainer.BootstrapDays),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
		"text":    true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console, text", c.Logging.Format),
		})
	}

	// Validate metrics configuration
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, &ValidationError{
			Field:   "metrics.path",
			Message: fmt.Sprintf("path must start with '/', got '%s'", c.Metrics.Path),
		})
	}

	return errs
}

func anyNegative(vs []int) bool {
	for _, v := range vs {
		if v < 0 {
			return true
		}
	}
	return false
}
