package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/mailcast/internal/scheduler"
	"github.com/kubilitics/mailcast/internal/server"
	"github.com/kubilitics/mailcast/internal/trainer"
)

// shutdownTimeout bounds draining of in-flight HTTP requests.
const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve forecasts and hot-reload models",
		Long: `Load the hourly and daily models, then serve forecasts over HTTP.

Both models must load at startup. While running, the reload scheduler polls
the artifact locations and swaps in new models; a failed reload keeps the
current models. When trainer.enabled is set the update cycle also runs on
trainer.cron.

Edits to the config file are picked up while serving: logging.level applies
immediately, other settings on the next restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := a.loadRegistry(ctx, store)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	sched := scheduler.New(reg, store, a.targets(), scheduler.Options{
		Interval:   a.cfg.Reload.Interval,
		Policy:     scheduler.Policy(a.cfg.Reload.Policy),
		WatchPaths: a.watchPaths(store),
	}, a.logger)
	sched.Prime()

	srv, err := server.NewServer(a.cfg, reg, a.logger)
	if err != nil {
		return err
	}

	var cron *trainer.Schedule
	if a.cfg.Trainer.Enabled {
		t, err := a.newTrainer(store)
		if err != nil {
			return err
		}
		if cron, err = trainer.NewSchedule(t, a.cfg.Trainer.Cron); err != nil {
			return err
		}
	}

	if err := srv.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		a.watchConfig(gctx)
		return nil
	})
	if cron != nil {
		g.Go(func() error { return cron.Run(gctx) })
	}
	a.logger.Info("mailcast started",
		zap.String("addr", a.cfg.Addr()),
		zap.String("storage", a.cfg.Storage.Backend),
		zap.String("reload_policy", a.cfg.Reload.Policy),
		zap.Bool("trainer", a.cfg.Trainer.Enabled),
		zap.Uint64("generation", reg.Generation()),
	)

	<-gctx.Done()
	a.logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := srv.Stop(shutdownCtx)

	if err := g.Wait(); err != nil {
		return err
	}
	if stopErr != nil {
		return stopErr
	}
	a.logger.Info("shutdown complete")
	return nil
}

// watchConfig applies logging.level from each change of the config file.
// Invalid configurations are logged and ignored.
func (a *app) watchConfig(ctx context.Context) {
	for cfg := range a.configMgr.Watch(ctx) {
		if errs := cfg.Validate(); len(errs) > 0 {
			a.logger.Warn("ignoring invalid configuration change", zap.Errors("errors", errs))
			continue
		}
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			continue
		}
		if level != a.logLevel.Level() {
			a.logLevel.SetLevel(level)
			a.logger.Info("log level changed", zap.Stringer("level", level))
		}
	}
}
