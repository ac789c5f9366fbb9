package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = ""
	cfg.Server.Port = 8090
	cfg.Server.ReadTimeout = 30
	cfg.Server.WriteTimeout = 30
	cfg.Server.IdleTimeout = 120
	cfg.Server.RateLimitPerMin = 600

	// Storage defaults
	cfg.Storage.Backend = "file"
	cfg.Storage.Path = "/var/lib/mailcast"
	cfg.Storage.SQLitePath = "/var/lib/mailcast/mailcast.db"
	cfg.Storage.PebblePath = "/var/lib/mailcast/pebble"

	// Model location defaults
	cfg.Models.HourlyLocation = "models/hourly.model"
	cfg.Models.DailyLocation = "models/weekly.model"
	cfg.Models.HourlySeries = "data/hourly.series"
	cfg.Models.DailySeries = "data/daily.series"

	// Forecast defaults
	cfg.Forecast.Timezone = "America/Los_Angeles"
	cfg.Forecast.HourlySteps = 24
	cfg.Forecast.DailySteps = 7
	cfg.Forecast.Order = []int{3, 1, 6}
	cfg.Forecast.SeasonalOrder = []int{0, 1, 0, 7}
	cfg.Forecast.MaxEvaluations = 4000
	cfg.Forecast.SmoothingUpdateMode = "refit"
	cfg.Forecast.GridSearch.Enabled = false
	cfg.Forecast.GridSearch.P = []int{0, 1, 2, 3}
	cfg.Forecast.GridSearch.D = []int{0, 1}
	cfg.Forecast.GridSearch.Q = []int{0, 1, 2}
	cfg.Forecast.GridSearch.SP = []int{0, 1}
	cfg.Forecast.GridSearch.SD = []int{1}
	cfg.Forecast.GridSearch.SQ = []int{0, 1}
	cfg.Forecast.GridSearch.Workers = 0 // 0 means one per CPU

	// Retention defaults
	cfg.Retention.HourlyDays = 183 // six months
	cfg.Retention.DailyDays = 730  // two years

	// Reload defaults
	cfg.Reload.Interval = 30 * time.Second
	cfg.Reload.Policy = "both"
	cfg.Reload.Watch = true

	// Trainer defaults
	cfg.Trainer.Enabled = false
	cfg.Trainer.Cron = "0 * * * *"
	cfg.Trainer.SourcePath = ""
	cfg.Trainer.BootstrapDays = 730

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Metrics defaults
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	return cfg
}
