package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/logging"
	"github.com/kubilitics/mailcast/internal/storage"
)

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Location resolves the forecast timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Forecast.Timezone)
	if err != nil {
		return nil, fmt.Errorf("forecast timezone %q: %w", c.Forecast.Timezone, err)
	}
	return loc, nil
}

// StorageOptions maps the storage section onto backend options.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend:    c.Storage.Backend,
		FileRoot:   c.Storage.Path,
		SQLitePath: c.Storage.SQLitePath,
		PebblePath: c.Storage.PebblePath,
	}
}

// ForecastOptions maps the forecast section onto forecaster options.
func (c *Config) ForecastOptions() forecast.Options {
	f := c.Forecast
	seasonal := forecast.SeasonalOptions{MaxEvaluations: f.MaxEvaluations}
	if len(f.Order) == 3 && len(f.SeasonalOrder) == 4 {
		seasonal.Order = forecast.Order{P: f.Order[0], D: f.Order[1], Q: f.Order[2]}
		seasonal.SeasonalOrder = forecast.SeasonalOrder{
			P: f.SeasonalOrder[0],
			D: f.SeasonalOrder[1],
			Q: f.SeasonalOrder[2],
			S: f.SeasonalOrder[3],
		}
	}
	if f.GridSearch.Enabled {
		seasonal.Grid = &forecast.GridSearch{
			P:       f.GridSearch.P,
			D:       f.GridSearch.D,
			Q:       f.GridSearch.Q,
			SP:      f.GridSearch.SP,
			SD:      f.GridSearch.SD,
			SQ:      f.GridSearch.SQ,
			Workers: f.GridSearch.Workers,
		}
	}
	return forecast.Options{
		Seasonal: seasonal,
		Smoothing: forecast.SmoothingOptions{
			Period:         forecast.DailyPeriod,
			UpdateMode:     forecast.UpdateMode(strings.ToLower(f.SmoothingUpdateMode)),
			MaxEvaluations: f.MaxEvaluations,
		},
	}
}

// LoggingConfig maps the logging section onto logger configuration.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		Level:      strings.ToLower(c.Logging.Level),
		Format:     strings.ToLower(c.Logging.Format),
		File:       c.Logging.File,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}
