package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/logging"
	"github.com/kubilitics/mailcast/internal/metrics"
	"github.com/kubilitics/mailcast/internal/registry"
	"github.com/kubilitics/mailcast/internal/storage"
)

// Package scheduler polls artifact storage and hot-reloads changed models.
//
// Each cycle stats every target location and compares the modification
// marker with the one observed at the last successful reload. The reload
// policy decides which changes lead to a swap:
//   - both: every target must have changed; otherwise nothing is swapped
//   - any:  each changed target is reloaded, all in one registry swap
//
// Failures are logged and retried on the next cycle. Markers only advance
// after a successful reload, so a failed artifact is retried once fixed.

// Policy selects the reload gating rule.
type Policy string

const (
	PolicyBoth Policy = "both"
	PolicyAny  Policy = "any"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool { return p == PolicyBoth || p == PolicyAny }

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 30 * time.Second

// Target is an artifact location watched for one kind.
type Target struct {
	Kind     forecast.Kind
	Location string
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	Policy   Policy

	// WatchPaths are filesystem paths of the targets. When set, changes
	// reported by fsnotify trigger a cycle ahead of the next tick.
	WatchPaths []string
}

// Scheduler drives periodic reloads of a registry.
type Scheduler struct {
	registry *registry.Registry
	store    storage.Store
	targets  []Target
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	markers map[forecast.Kind]time.Time
}

// New creates a scheduler for targets.
func New(reg *registry.Registry, store storage.Store, targets []Target, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if !opts.Policy.Valid() {
		opts.Policy = PolicyBoth
	}
	return &Scheduler{
		registry: reg,
		store:    store,
		targets:  targets,
		opts:     opts,
		logger:   logging.OrNop(logger).Named("scheduler"),
		markers:  make(map[forecast.Kind]time.Time),
	}
}

// Prime records the markers of the artifacts currently active in the
// registry as the baseline for change detection.
func (s *Scheduler) Prime() {
	active := s.registry.Markers()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if m, ok := active[t.Kind]; ok {
			s.markers[t.Kind] = m
		}
	}
}

// Markers returns a copy of the last observed markers.
func (s *Scheduler) Markers() map[forecast.Kind]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[forecast.Kind]time.Time, len(s.markers))
	for k, v := range s.markers {
		out[k] = v
	}
	return out
}

// Check runs one polling cycle and reports whether a swap happened.
func (s *Scheduler) Check(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []registry.Request
	for _, t := range s.targets {
		m, err := s.store.ModTime(ctx, t.Location)
		if err != nil {
			if storage.IsNotFound(err) {
				s.logger.Debug("artifact not present", zap.String("kind", string(t.Kind)), zap.String("location", t.Location))
				continue
			}
			return false, fmt.Errorf("stat %s: %w", t.Location, err)
		}
		if m.Equal(s.markers[t.Kind]) {
			continue
		}
		changed = append(changed, registry.Request{Kind: t.Kind, Location: t.Location, ModifiedAt: m})
	}

	if len(changed) == 0 {
		return false, nil
	}
	if s.opts.Policy == PolicyBoth && len(changed) < len(s.targets) {
		metrics.ReloadsTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("partial change, waiting for every artifact",
			zap.Int("changed", len(changed)),
			zap.Int("targets", len(s.targets)),
		)
		return false, nil
	}

	if err := s.registry.Reload(ctx, changed...); err != nil {
		return false, err
	}
	for _, req := range changed {
		s.markers[req.Kind] = req.ModifiedAt
	}
	return true, nil
}

// Run polls until ctx is cancelled. Cycle errors are logged, never returned.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	events, closeWatch := s.watch()
	defer closeWatch()

	s.logger.Info("reload scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.String("policy", string(s.opts.Policy)),
		zap.Bool("watch", events != nil),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reload scheduler stopped")
			return nil
		case <-ticker.C:
		case <-events:
		}
		s.cycle(ctx)
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	swapped, err := s.Check(ctx)
	if err != nil {
		var le *registry.LoadError
		if errors.As(err, &le) {
			s.logger.Error("reload failed, keeping previous models",
				zap.String("kind", string(le.Kind)),
				zap.String("location", le.Location),
				zap.Error(le.Err),
			)
			return
		}
		s.logger.Error("reload cycle failed", zap.Error(err))
		return
	}
	if swapped {
		s.logger.Info("models reloaded", zap.Uint64("generation", s.registry.Generation()))
	}
}

// watch subscribes to the parent directories of the watch paths. Atomic
// renames replace the file, so the directory is what fsnotify must follow.
func (s *Scheduler) watch() (<-chan struct{}, func()) {
	if len(s.opts.WatchPaths) == 0 {
		return nil, func() {}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("file watch unavailable, polling only", zap.Error(err))
		return nil, func() {}
	}

	wanted := make(map[string]bool, len(s.opts.WatchPaths))
	dirs := make(map[string]bool)
	for _, p := range s.opts.WatchPaths {
		p = filepath.Clean(p)
		wanted[p] = true
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			s.logger.Warn("cannot watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !wanted[filepath.Clean(ev.Name)] || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("file watch error", zap.Error(err))
			}
		}
	}()
	return out, func() {
		close(done)
		_ = w.Close()
	}
}
