package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/logging"
	"github.com/kubilitics/mailcast/internal/metrics"
	"github.com/kubilitics/mailcast/internal/storage"
)

// Package registry owns the active forecasting models of the process.
//
// Responsibilities:
//   - Hold exactly one active artifact per model kind
//   - Load artifacts from storage and install them atomically
//   - Serve forecasts without blocking while a swap is in progress
//
// Locking:
//   - Writers (reloads) take the lock in blocking mode, only for the swap.
//     Decoding and validation happen before the lock is taken.
//   - Readers try a non-blocking shared acquire and report ErrBusy on failure.
//   - Artifacts are immutable, so a reader that copied a pointer under the
//     lock can keep using it after the lock is released.

// BusyError signals a reader that models are being swapped. It is a
// control-flow signal, not a failure; callers retry shortly.
type BusyError struct{}

func (*BusyError) Error() string { return "models are refreshing, retry shortly" }

var (
	// ErrBusy is returned by reads that lost the race with a swap.
	ErrBusy error = &BusyError{}

	// ErrNotLoaded is returned when a kind has no active artifact.
	ErrNotLoaded = errors.New("model not loaded")
)

// IsBusy reports whether err is the refreshing signal.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}

// LoadError reports that an artifact could not be read or decoded.
type LoadError struct {
	Kind     forecast.Kind
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s model from %s: %v", e.Kind, e.Location, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Request names an artifact to install for a kind. ModifiedAt, when set, is
// the marker the caller observed; otherwise the registry stats the location.
type Request struct {
	Kind       forecast.Kind
	Location   string
	ModifiedAt time.Time
}

// Registry holds the active artifacts.
type Registry struct {
	store  storage.Store
	logger *zap.Logger

	mu         sync.RWMutex
	active     map[forecast.Kind]*forecast.Artifact
	generation uint64
}

// New creates an empty registry backed by store.
func New(store storage.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logging.OrNop(logger).Named("registry"),
		active: make(map[forecast.Kind]*forecast.Artifact),
	}
}

// Load reads the artifact at location and installs it as the active model
// for kind. On error the previous artifact stays active.
func (r *Registry) Load(ctx context.Context, kind forecast.Kind, location string) error {
	return r.Reload(ctx, Request{Kind: kind, Location: location})
}

// Reload loads every requested artifact and installs them together in one
// critical section. If any request fails nothing is installed.
func (r *Registry) Reload(ctx context.Context, reqs ...Request) error {
	if len(reqs) == 0 {
		return nil
	}

	staged := make([]*forecast.Artifact, len(reqs))
	for i, req := range reqs {
		a, err := r.fetch(ctx, req)
		if err != nil {
			metrics.ReloadsTotal.WithLabelValues("failure").Inc()
			return err
		}
		staged[i] = a
	}

	r.mu.Lock()
	for _, a := range staged {
		r.active[a.Kind] = a
	}
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	metrics.ReloadsTotal.WithLabelValues("success").Inc()
	metrics.ModelGeneration.Set(float64(gen))
	for _, a := range staged {
		metrics.ModelFittedTimestamp.WithLabelValues(string(a.Kind)).Set(float64(a.FittedAt.Unix()))
		r.logger.Info("model installed",
			zap.String("kind", string(a.Kind)),
			zap.String("location", a.Source),
			zap.String("artifact_id", a.ID),
			zap.Time("fitted_at", a.FittedAt),
			zap.Uint64("generation", gen),
		)
	}
	return nil
}

// Install puts already-built artifacts in place, bypassing storage.
func (r *Registry) Install(artifacts ...*forecast.Artifact) error {
	for _, a := range artifacts {
		if err := a.Validate(); err != nil {
			return &LoadError{Kind: a.Kind, Location: a.Source, Err: err}
		}
	}
	r.mu.Lock()
	for _, a := range artifacts {
		r.active[a.Kind] = a
	}
	r.generation++
	r.mu.Unlock()
	return nil
}

func (r *Registry) fetch(ctx context.Context, req Request) (*forecast.Artifact, error) {
	wrap := func(err error) error {
		return &LoadError{Kind: req.Kind, Location: req.Location, Err: err}
	}
	if !req.Kind.Valid() {
		return nil, wrap(fmt.Errorf("unknown kind %q", req.Kind))
	}

	modified := req.ModifiedAt
	if modified.IsZero() {
		m, err := r.store.ModTime(ctx, req.Location)
		if err != nil {
			return nil, wrap(err)
		}
		modified = m
	}

	data, err := r.store.Read(ctx, req.Location)
	if err != nil {
		return nil, wrap(err)
	}
	a, err := forecast.Decode(data)
	if err != nil {
		return nil, wrap(err)
	}
	if a.Kind != req.Kind {
		return nil, wrap(fmt.Errorf("artifact holds a %s model", a.Kind))
	}
	return a.WithSource(req.Location, modified), nil
}

// Forecast projects steps buckets from the active artifact of kind. It
// returns ErrBusy instead of waiting while a swap holds the lock.
func (r *Registry) Forecast(kind forecast.Kind, steps int) (forecast.Result, error) {
	a, err := r.Active(kind)
	if err != nil {
		return forecast.Result{}, err
	}
	return a.Forecast(steps)
}

// Active returns the active artifact of kind without blocking.
func (r *Registry) Active(kind forecast.Kind) (*forecast.Artifact, error) {
	if !r.mu.TryRLock() {
		metrics.RegistryBusyTotal.Inc()
		return nil, ErrBusy
	}
	a := r.active[kind]
	r.mu.RUnlock()
	if a == nil {
		return nil, ErrNotLoaded
	}
	return a, nil
}

// Snapshot is a consistent view of all active artifacts taken under one
// acquisition of the lock.
type Snapshot struct {
	Generation uint64
	Artifacts  map[forecast.Kind]*forecast.Artifact
}

// Forecast projects from the snapshot's artifact of kind.
func (s Snapshot) Forecast(kind forecast.Kind, steps int) (forecast.Result, error) {
	a := s.Artifacts[kind]
	if a == nil {
		return forecast.Result{}, ErrNotLoaded
	}
	return a.Forecast(steps)
}

// Snapshot returns every active artifact without blocking.
func (r *Registry) Snapshot() (Snapshot, error) {
	if !r.mu.TryRLock() {
		metrics.RegistryBusyTotal.Inc()
		return Snapshot{}, ErrBusy
	}
	defer r.mu.RUnlock()
	snap := Snapshot{
		Generation: r.generation,
		Artifacts:  make(map[forecast.Kind]*forecast.Artifact, len(r.active)),
	}
	for k, a := range r.active {
		snap.Artifacts[k] = a
	}
	return snap, nil
}

// Generation returns the number of swaps performed. It blocks briefly if a
// swap is in progress.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Markers returns the modification markers of the active artifacts.
func (r *Registry) Markers() map[forecast.Kind]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[forecast.Kind]time.Time, len(r.active))
	for k, a := range r.active {
		out[k] = a.ModifiedAt
	}
	return out
}
