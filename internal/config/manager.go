package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAILCAST"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.readConfigFile(); err != nil {
		return err
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// readConfigFile reads the YAML file. A missing file is not an error;
// defaults and environment variables apply.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch reloads the configuration each time the config file is written and
// sends the result. Only the latest unread configuration is kept. A change
// that fails to load is skipped. The channel is closed when ctx is done or
// the file's directory cannot be watched.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	out := make(chan Config, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		close(out)
		return out
	}
	file := filepath.Clean(m.configPath)
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-watcher.Errors:
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.Reload(ctx); err != nil {
					continue
				}
				select {
				case <-out:
				default:
				}
				out <- *m.Get(ctx)
			}
		}
	}()
	return out
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	m.viper.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	m.viper.SetDefault("server.rate_limit_per_min", defaults.Server.RateLimitPerMin)

	// Storage defaults
	m.viper.SetDefault("storage.backend", defaults.Storage.Backend)
	m.viper.SetDefault("storage.path", defaults.Storage.Path)
	m.viper.SetDefault("storage.sqlite_path", defaults.Storage.SQLitePath)
	m.viper.SetDefault("storage.pebble_path", defaults.Storage.PebblePath)

	// Model location defaults
	m.viper.SetDefault("models.hourly_location", defaults.Models.HourlyLocation)
	m.viper.SetDefault("models.daily_location", defaults.Models.DailyLocation)
	m.viper.SetDefault("models.hourly_series", defaults.Models.HourlySeries)
	m.viper.SetDefault("models.daily_series", defaults.Models.DailySeries)

	// Forecast defaults
	m.viper.SetDefault("forecast.timezone", defaults.Forecast.Timezone)
	m.viper.SetDefault("forecast.hourly_steps", defaults.Forecast.HourlySteps)
	m.viper.SetDefault("forecast.daily_steps", defaults.Forecast.DailySteps)
	m.viper.SetDefault("forecast.order", defaults.Forecast.Order)
	m.viper.SetDefault("forecast.seasonal_order", defaults.Forecast.SeasonalOrder)
	m.viper.SetDefault("forecast.max_evaluations", defaults.Forecast.MaxEvaluations)
	m.viper.SetDefault("forecast.smoothing_update_mode", defaults.Forecast.SmoothingUpdateMode)
	m.viper.SetDefault("forecast.grid_search.enabled", defaults.Forecast.GridSearch.Enabled)
	m.viper.SetDefault("forecast.grid_search.p", defaults.Forecast.GridSearch.P)
	m.viper.SetDefault("forecast.grid_search.d", defaults.Forecast.GridSearch.D)
	m.viper.SetDefault("forecast.grid_search.q", defaults.Forecast.GridSearch.Q)
	m.viper.SetDefault("forecast.grid_search.sp", defaults.Forecast.GridSearch.SP)
	m.viper.SetDefault("forecast.grid_search.sd", defaults.Forecast.GridSearch.SD)
	m.viper.SetDefault("forecast.grid_search.sq", defaults.Forecast.GridSearch.SQ)
	m.viper.SetDefault("forecast.grid_search.workers", defaults.Forecast.GridSearch.Workers)

	// Retention defaults
	m.viper.SetDefault("retention.hourly_days", defaults.Retention.HourlyDays)
	m.viper.SetDefault("retention.daily_days", defaults.Retention.DailyDays)

	// Reload defaults
	m.viper.SetDefault("reload.interval", defaults.Reload.Interval)
	m.viper.SetDefault("reload.policy", defaults.Reload.Policy)
	m.viper.SetDefault("reload.watch", defaults.Reload.Watch)

	// Trainer defaults
	m.viper.SetDefault("trainer.enabled", defaults.Trainer.Enabled)
	m.viper.SetDefault("trainer.cron", defaults.Trainer.Cron)
	m.viper.SetDefault("trainer.source_path", defaults.Trainer.SourcePath)
	m.viper.SetDefault("trainer.bootstrap_days", defaults.Trainer.BootstrapDays)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Metrics defaults
	m.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	m.viper.SetDefault("metrics.path", defaults.Metrics.Path)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.ReadTimeout = m.viper.GetInt("server.read_timeout")
	cfg.Server.WriteTimeout = m.viper.GetInt("server.write_timeout")
	cfg.Server.IdleTimeout = m.viper.GetInt("server.idle_timeout")
	cfg.Server.RateLimitPerMin = m.viper.GetInt("server.rate_limit_per_min")

	// Storage
	cfg.Storage.Backend = m.viper.GetString("storage.backend")
	cfg.Storage.Path = m.viper.GetString("storage.path")
	cfg.Storage.SQLitePath = m.viper.GetString("storage.sqlite_path")
	cfg.Storage.PebblePath = m.viper.GetString("storage.pebble_path")

	// Models
	cfg.Models.HourlyLocation = m.viper.GetString("models.hourly_location")
	cfg.Models.DailyLocation = m.viper.GetString("models.daily_location")
	cfg.Models.HourlySeries = m.viper.GetString("models.hourly_series")
	cfg.Models.DailySeries = m.viper.GetString("models.daily_series")

	// Forecast
	cfg.Forecast.Timezone = m.viper.GetString("forecast.timezone")
	cfg.Forecast.HourlySteps = m.viper.GetInt("forecast.hourly_steps")
	cfg.Forecast.DailySteps = m.viper.GetInt("forecast.daily_steps")
	cfg.Forecast.Order = m.getIntSlice("forecast.order")
	cfg.Forecast.SeasonalOrder = m.getIntSlice("forecast.seasonal_order")
	cfg.Forecast.MaxEvaluations = m.viper.GetInt("forecast.max_evaluations")
	cfg.Forecast.SmoothingUpdateMode = m.viper.GetString("forecast.smoothing_update_mode")
	cfg.Forecast.GridSearch.Enabled = m.viper.GetBool("forecast.grid_search.enabled")
	cfg.Forecast.GridSearch.P = m.getIntSlice("forecast.grid_search.p")
	cfg.Forecast.GridSearch.D = m.getIntSlice("forecast.grid_search.d")
	cfg.Forecast.GridSearch.Q = m.getIntSlice("forecast.grid_search.q")
	cfg.Forecast.GridSearch.SP = m.getIntSlice("forecast.grid_search.sp")
	cfg.Forecast.GridSearch.SD = m.getIntSlice("forecast.grid_search.sd")
	cfg.Forecast.GridSearch.SQ = m.getIntSlice("forecast.grid_search.sq")
	cfg.Forecast.GridSearch.Workers = m.viper.GetInt("forecast.grid_search.workers")

	// Retention
	cfg.Retention.HourlyDays = m.viper.GetInt("retention.hourly_days")
	cfg.Retention.DailyDays = m.viper.GetInt("retention.daily_days")

	// Reload
	cfg.Reload.Interval = m.viper.GetDuration("reload.interval")
	cfg.Reload.Policy = m.viper.GetString("reload.policy")
	cfg.Reload.Watch = m.viper.GetBool("reload.watch")

	// Trainer
	cfg.Trainer.Enabled = m.viper.GetBool("trainer.enabled")
	cfg.Trainer.Cron = m.viper.GetString("trainer.cron")
	cfg.Trainer.SourcePath = m.viper.GetString("trainer.source_path")
	cfg.Trainer.BootstrapDays = m.viper.GetInt("trainer.bootstrap_days")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Metrics
	cfg.Metrics.Enabled = m.viper.GetBool("metrics.enabled")
	cfg.Metrics.Path = m.viper.GetString("metrics.path")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// getIntSlice reads an int list. Environment overrides arrive as a single
// string such as "3,1,6".
func (m *viperConfigManager) getIntSlice(key string) []int {
	if raw, ok := m.viper.Get(key).(string); ok {
		var out []int
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
			if v, err := strconv.Atoi(part); err == nil {
				out = append(out, v)
			}
		}
		return out
	}
	return m.viper.GetIntSlice(key)
}
