package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/config"
	"github.com/kubilitics/mailcast/internal/logging"
	"github.com/kubilitics/mailcast/internal/message"
	"github.com/kubilitics/mailcast/internal/registry"
	"github.com/kubilitics/mailcast/internal/scheduler"
	"github.com/kubilitics/mailcast/internal/storage"
	"github.com/kubilitics/mailcast/internal/trainer"
)

type app struct {
	configPath string
	envFile    string

	configMgr config.ConfigManager
	cfg       *config.Config
	logger    *zap.Logger
	logLevel  zap.AtomicLevel

	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "mailcast",
		Short:         "Mailbox traffic forecasting service",
		Long:          "mailcast fits hourly and daily models of incoming mail volume and serves their forecasts over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultConfigPath, "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.init(cmd.Context())
	}
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if a.logger != nil {
			_ = a.logger.Sync()
		}
	}

	cmd.AddCommand(
		newServeCmd(a),
		newTrainCmd(a),
		newUpdateCmd(a),
		newForecastCmd(a),
	)

	cmd.SetErrPrefix("mailcast: ")
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	return cmd
}

// init loads the dotenv file, the configuration and the logger.
func (a *app) init(ctx context.Context) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}

	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	a.configMgr = mgr
	a.cfg = mgr.Get(ctx)

	logger, level, err := logging.NewWithLevel(a.cfg.LoggingConfig())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.logger, a.logLevel = logger, level
	return nil
}

func (a *app) openStore() (storage.Store, error) {
	store, err := storage.Open(a.cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", a.cfg.Storage.Backend, err)
	}
	return store, nil
}

func (a *app) locations() trainer.Locations {
	m := a.cfg.Models
	return trainer.Locations{
		HourlyModel:  m.HourlyLocation,
		DailyModel:   m.DailyLocation,
		HourlySeries: m.HourlySeries,
		DailySeries:  m.DailySeries,
	}
}

func (a *app) targets() []scheduler.Target {
	return []scheduler.Target{
		{Kind: forecast.KindSmoothing, Location: a.cfg.Models.HourlyLocation},
		{Kind: forecast.KindSeasonal, Location: a.cfg.Models.DailyLocation},
	}
}

// watchPaths returns the artifact files to watch, when the backend keeps
// artifacts as plain files.
func (a *app) watchPaths(store storage.Store) []string {
	fileStore, ok := store.(*storage.FileStore)
	if !ok || !a.cfg.Reload.Watch {
		return nil
	}
	var paths []string
	for _, t := range a.targets() {
		paths = append(paths, fileStore.Path(t.Location))
	}
	return paths
}

func (a *app) newTrainer(store storage.Store) (*trainer.Trainer, error) {
	if a.cfg.Trainer.SourcePath == "" {
		return nil, errors.New("trainer.source_path is not configured")
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	return trainer.New(message.NewFileSource(a.cfg.Trainer.SourcePath), store, trainer.Options{
		Location:            loc,
		Locations:           a.locations(),
		Models:              a.cfg.ForecastOptions(),
		HourlyRetentionDays: a.cfg.Retention.HourlyDays,
		DailyRetentionDays:  a.cfg.Retention.DailyDays,
		BootstrapDays:       a.cfg.Trainer.BootstrapDays,
	}, a.logger)
}

// loadRegistry reads both artifacts into a new registry. A missing or
// unreadable artifact is an error.
func (a *app) loadRegistry(ctx context.Context, store storage.Store) (*registry.Registry, error) {
	reg := registry.New(store, a.logger)
	reqs := make([]registry.Request, 0, 2)
	for _, t := range a.targets() {
		reqs = append(reqs, registry.Request{Kind: t.Kind, Location: t.Location})
	}
	if err := reg.Reload(ctx, reqs...); err != nil {
		return nil, err
	}
	return reg, nil
}

func parseKind(name string) (forecast.Kind, error) {
	switch name {
	case "hourly", string(forecast.KindSmoothing):
		return forecast.KindSmoothing, nil
	case "daily", string(forecast.KindSeasonal):
		return forecast.KindSeasonal, nil
	default:
		return "", fmt.Errorf("unknown kind %q, must be one of: hourly, daily", name)
	}
}
