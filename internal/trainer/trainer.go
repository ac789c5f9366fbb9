package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
	"github.com/kubilitics/mailcast/internal/logging"
	"github.com/kubilitics/mailcast/internal/message"
	"github.com/kubilitics/mailcast/internal/metrics"
	"github.com/kubilitics/mailcast/internal/storage"
)

// Package trainer builds and refreshes the persisted models.
//
// Bootstrap collects a long history of messages, aggregates it hourly and
// daily, fits both models and persists the artifacts together with the
// training series. Update extends the persisted series with the messages
// received since the last run and refits. The serving process picks the
// new artifacts up through the reload scheduler.
//
// Artifacts are written before training series. A fit failure leaves the
// previous artifact of that kind in place.

// Run modes.
const (
	ModeBootstrap = "bootstrap"
	ModeUpdate    = "update"
)

// Locations names the storage locations the trainer owns.
type Locations struct {
	HourlyModel  string
	DailyModel   string
	HourlySeries string
	DailySeries  string
}

func (l Locations) model(k forecast.Kind) string {
	if k == forecast.KindSeasonal {
		return l.DailyModel
	}
	return l.HourlyModel
}

func (l Locations) series(k forecast.Kind) string {
	if k == forecast.KindSeasonal {
		return l.DailySeries
	}
	return l.HourlySeries
}

// Options configures a Trainer.
type Options struct {
	Location  *time.Location
	Locations Locations
	Models    forecast.Options

	HourlyRetentionDays int
	DailyRetentionDays  int
	BootstrapDays       int

	// Now overrides the clock.
	Now func() time.Time
}

// Defaults applied to zero-valued options.
const (
	DefaultHourlyRetentionDays = 183
	DefaultDailyRetentionDays  = 730
	DefaultBootstrapDays       = 730
)

// KindReport summarises one model of a run.
type KindReport struct {
	Kind       forecast.Kind `json:"kind"`
	Points     int           `json:"points"`
	Total      int           `json:"total"`
	ArtifactID string        `json:"artifact_id,omitempty"`
	Bytes      int           `json:"bytes"`
	Err        error         `json:"-"`
}

// Written reports whether a new artifact was persisted.
func (r KindReport) Written() bool { return r.ArtifactID != "" }

// Report summarises a trainer run.
type Report struct {
	RunID    string        `json:"run_id"`
	Mode     string        `json:"mode"`
	Records  int           `json:"records"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Kinds    []KindReport  `json:"kinds"`
}

// Kind returns the report of kind k.
func (r *Report) Kind(k forecast.Kind) (KindReport, bool) {
	for _, kr := range r.Kinds {
		if kr.Kind == k {
			return kr, true
		}
	}
	return KindReport{}, false
}

// Trainer fits and persists models from a message source.
type Trainer struct {
	source      message.Source
	store       storage.Store
	forecasters map[forecast.Kind]forecast.Forecaster
	opts        Options
	logger      *zap.Logger
}

// New creates a trainer.
func New(source message.Source, store storage.Store, opts Options, logger *zap.Logger) (*Trainer, error) {
	if source == nil {
		return nil, errors.New("trainer: message source is required")
	}
	if store == nil {
		return nil, errors.New("trainer: store is required")
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HourlyRetentionDays <= 0 {
		opts.HourlyRetentionDays = DefaultHourlyRetentionDays
	}
	if opts.DailyRetentionDays <= 0 {
		opts.DailyRetentionDays = DefaultDailyRetentionDays
	}
	if opts.BootstrapDays <= 0 {
		opts.BootstrapDays = DefaultBootstrapDays
	}

	t := &Trainer{
		source:      source,
		store:       store,
		forecasters: make(map[forecast.Kind]forecast.Forecaster, len(forecast.Kinds)),
		opts:        opts,
		logger:      logging.OrNop(logger).Named("trainer"),
	}
	for _, k := range forecast.Kinds {
		f, err := forecast.New(k, opts.Models)
		if err != nil {
			return nil, err
		}
		t.forecasters[k] = f
	}
	return t, nil
}

// today returns local midnight of the current day.
func (t *Trainer) today() time.Time {
	return timeseries.Day.Floor(t.opts.Now(), t.opts.Location)
}

// lastBucket returns the start of the last complete bucket before today.
func lastBucket(g timeseries.Granularity, today time.Time) time.Time {
	if g == timeseries.Day {
		return today.AddDate(0, 0, -1)
	}
	return today.Add(-time.Hour)
}

func (t *Trainer) retentionCutoff(g timeseries.Granularity, today time.Time) time.Time {
	if g == timeseries.Day {
		return today.AddDate(0, 0, -t.opts.DailyRetentionDays)
	}
	return today.AddDate(0, 0, -t.opts.HourlyRetentionDays)
}

// extend zero-fills s from its end through last.
func extend(s *timeseries.Series, loc *time.Location, last time.Time) (*timeseries.Series, error) {
	if s.Len() == 0 || !last.After(s.End()) {
		return s, nil
	}
	return timeseries.Merge(timeseries.ZeroFilled(s.Granularity, loc, s.Start(), last), s)
}

func (t *Trainer) begin(mode string) (*Report, *zap.Logger) {
	r := &Report{RunID: uuid.NewString(), Mode: mode, Started: time.Now()}
	return r, t.logger.With(zap.String("run_id", r.RunID), zap.String("mode", mode))
}

func (t *Trainer) finish(r *Report, log *zap.Logger, err error) {
	r.Duration = time.Since(r.Started)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.TrainerRunsTotal.WithLabelValues(r.Mode, status).Inc()
	if err != nil {
		log.Error("trainer run failed", zap.Duration("duration", r.Duration), zap.Error(err))
		return
	}
	log.Info("trainer run finished", zap.Duration("duration", r.Duration), zap.Int("records", r.Records))
}

// Bootstrap builds both models from scratch over the bootstrap window.
func (t *Trainer) Bootstrap(ctx context.Context) (*Report, error) {
	report, log := t.begin(ModeBootstrap)
	err := t.bootstrap(ctx, report, log)
	t.finish(report, log, err)
	return report, err
}

func (t *Trainer) bootstrap(ctx context.Context, report *Report, log *zap.Logger) error {
	loc := t.opts.Location
	today := t.today()
	from := today.AddDate(0, 0, -t.opts.BootstrapDays)

	log.Info("collecting messages", zap.Time("from", from), zap.Time("to", today))
	records, err := t.source.Messages(ctx, from, today)
	if err != nil {
		return fmt.Errorf("collect messages: %w", err)
	}
	report.Records = len(records)

	series := make(map[forecast.Kind]*timeseries.Series, len(forecast.Kinds))
	for _, k := range forecast.Kinds {
		g := k.Granularity()
		s, err := timeseries.Aggregate(records, g, loc)
		if err != nil {
			return err
		}
		if s, err = extend(s, loc, lastBucket(g, today)); err != nil {
			return err
		}
		series[k] = s.Trim(t.retentionCutoff(g, today))
	}

	var errs []error
	for _, k := range forecast.Kinds {
		kr := t.fitAndPersist(ctx, log, k, nil, series[k])
		report.Kinds = append(report.Kinds, kr)
		if kr.Err != nil {
			errs = append(errs, kr.Err)
		}
	}
	return errors.Join(errs...)
}

// Update extends the persisted training series with messages received
// since the last run and refits both models.
func (t *Trainer) Update(ctx context.Context) (*Report, error) {
	report, log := t.begin(ModeUpdate)
	err := t.update(ctx, report, log)
	t.finish(report, log, err)
	return report, err
}

func (t *Trainer) update(ctx context.Context, report *Report, log *zap.Logger) error {
	loc := t.opts.Location
	today := t.today()

	base := make(map[forecast.Kind]*timeseries.Series, len(forecast.Kinds))
	for _, k := range forecast.Kinds {
		s, err := t.loadSeries(ctx, k)
		if err != nil {
			return err
		}
		base[k] = s.Trim(t.retentionCutoff(k.Granularity(), today))
	}

	// Re-collect from the start of the oldest last bucket; that bucket may
	// have been partial when it was persisted.
	var from time.Time
	for _, s := range base {
		if s.Len() == 0 {
			continue
		}
		if from.IsZero() || s.End().Before(from) {
			from = s.End()
		}
	}
	if from.IsZero() {
		return fmt.Errorf("training series are empty, run %s first", ModeBootstrap)
	}
	if !from.Before(today) {
		log.Info("training series already up to date", zap.Time("through", from))
		return nil
	}

	log.Info("collecting messages", zap.Time("from", from), zap.Time("to", today))
	records, err := t.source.Messages(ctx, from, today)
	if err != nil {
		return fmt.Errorf("collect messages: %w", err)
	}
	report.Records = len(records)

	var errs []error
	for _, k := range forecast.Kinds {
		g := k.Granularity()
		last := lastBucket(g, today)
		fresh, err := timeseries.AggregateRange(records, g, loc, from, last)
		if err != nil {
			return err
		}
		if fresh, err = timeseries.Merge(timeseries.ZeroFilled(g, loc, from, last), fresh); err != nil {
			return err
		}
		merged, err := timeseries.Merge(base[k], fresh)
		if err != nil {
			return err
		}

		prev, err := t.loadArtifact(ctx, k)
		if err != nil {
			log.Warn("previous artifact unavailable, fitting from scratch",
				zap.String("kind", string(k)), zap.Error(err))
		}
		kr := t.fitAndPersist(ctx, log, k, prev, merged)
		report.Kinds = append(report.Kinds, kr)
		if kr.Err != nil && !forecast.IsFitError(kr.Err) {
			errs = append(errs, kr.Err)
		}
	}
	return errors.Join(errs...)
}

// fitAndPersist fits kind on s and writes the artifact, then the series.
// A fit failure skips the artifact but still persists the series.
func (t *Trainer) fitAndPersist(ctx context.Context, log *zap.Logger, k forecast.Kind, prev *forecast.Artifact, s *timeseries.Series) KindReport {
	kr := KindReport{Kind: k, Points: s.Len(), Total: s.Total()}
	log = log.With(zap.String("kind", string(k)))
	metrics.TrainingPoints.WithLabelValues(string(k)).Set(float64(s.Len()))

	start := time.Now()
	var (
		a   *forecast.Artifact
		err error
	)
	if prev != nil {
		a, err = t.forecasters[k].Update(ctx, prev, s)
	} else {
		a, err = t.forecasters[k].Fit(ctx, s)
	}
	metrics.FitDuration.WithLabelValues(string(k)).Observe(time.Since(start).Seconds())

	if err != nil {
		var fe *forecast.FitError
		if errors.As(err, &fe) {
			metrics.FitFailuresTotal.WithLabelValues(string(k), string(fe.Reason)).Inc()
			log.Warn("fit failed, keeping previous artifact", zap.String("reason", string(fe.Reason)), zap.Error(err))
		}
		kr.Err = err
	} else {
		data, err := forecast.Encode(a)
		if err == nil {
			err = t.store.Write(ctx, t.opts.Locations.model(k), data)
		}
		if err != nil {
			kr.Err = fmt.Errorf("persist %s artifact: %w", k, err)
			return kr
		}
		kr.ArtifactID = a.ID
		kr.Bytes = len(data)
		log.Info("artifact written",
			zap.String("artifact_id", a.ID),
			zap.String("location", t.opts.Locations.model(k)),
			zap.String("size", humanize.Bytes(uint64(len(data)))),
			zap.Int("points", s.Len()),
			zap.Time("through", s.End()),
		)
	}

	if err := t.saveSeries(ctx, k, s); err != nil && kr.Err == nil {
		kr.Err = err
	}
	return kr
}

func (t *Trainer) loadArtifact(ctx context.Context, k forecast.Kind) (*forecast.Artifact, error) {
	data, err := t.store.Read(ctx, t.opts.Locations.model(k))
	if err != nil {
		return nil, err
	}
	a, err := forecast.Decode(data)
	if err != nil {
		return nil, err
	}
	if a.Kind != k {
		return nil, forecast.ErrKindMismatch
	}
	return a, nil
}
