package trainer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
	"github.com/kubilitics/mailcast/internal/message"
	"github.com/kubilitics/mailcast/internal/storage"
	"github.com/kubilitics/mailcast/internal/testutil"
)

var locations = Locations{
	HourlyModel:  "models/hourly.model",
	DailyModel:   "models/daily.model",
	HourlySeries: "data/hourly.series",
	DailySeries:  "data/daily.series",
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func day(n int, hour int) time.Time {
	return testutil.Monday.AddDate(0, 0, n).Add(time.Duration(hour) * time.Hour)
}

func officeSource(days int) *testutil.StubSource {
	records := testutil.Records(testutil.Monday, testutil.OfficeHours(days, 5))
	// Outgoing traffic, chat and placeholders never count.
	records = append(records,
		message.NewRecord("sent", day(1, 12).UnixMilli(), []string{message.LabelSent}),
		message.NewRecord("chat", day(2, 12).UnixMilli(), []string{message.LabelChat}),
		&message.Record{Timestamp: day(3, 12).UnixMilli()},
	)
	return &testutil.StubSource{Records: records}
}

func newTrainer(t *testing.T, src message.Source, store storage.Store, c *clock, mutate func(*Options)) *Trainer {
	t.Helper()
	opts := Options{
		Location:      time.UTC,
		Locations:     locations,
		Models:        forecast.Options{Seasonal: testutil.SeasonalOptions()},
		BootstrapDays: 30,
		Now:           c.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := New(src, store, opts, nil)
	require.NoError(t, err)
	return tr
}

func loadArtifact(t *testing.T, store storage.Store, location string) *forecast.Artifact {
	t.Helper()
	data, err := store.Read(context.Background(), location)
	require.NoError(t, err)
	a, err := forecast.Decode(data)
	require.NoError(t, err)
	return a
}

func TestBootstrap_BuildsBothModels(t *testing.T) {
	store := storage.NewMemoryStore()
	c := &clock{now: day(14, 10)}
	tr := newTrainer(t, officeSource(21), store, c, nil)

	report, err := tr.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeBootstrap, report.Mode)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Kinds, 2)

	hourly, ok := report.Kind(forecast.KindSmoothing)
	require.True(t, ok)
	assert.True(t, hourly.Written())
	assert.Equal(t, 14*24-9, hourly.Points, "first bucket is the first 09:00, last is 23:00 yesterday")
	assert.Equal(t, 10*8*5, hourly.Total)

	daily, ok := report.Kind(forecast.KindSeasonal)
	require.True(t, ok)
	assert.Equal(t, 14, daily.Points)
	assert.Equal(t, 400, daily.Total)
	assert.Positive(t, daily.Bytes)

	a := loadArtifact(t, store, locations.DailyModel)
	assert.Equal(t, daily.ArtifactID, a.ID)
	res, err := a.Forecast(7)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 40, 40, 40, 40, 0, 0}, res.Counts())
	assert.Equal(t, day(14, 0), res.Points[0].Timestamp.UTC())

	s, err := tr.Series(context.Background(), forecast.KindSmoothing)
	require.NoError(t, err)
	assert.Equal(t, day(13, 23), s.End().UTC())
	require.NoError(t, s.Validate())
}

func TestBootstrap_NoData(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := newTrainer(t, &testutil.StubSource{}, store, &clock{now: day(14, 10)}, nil)

	_, err := tr.Bootstrap(context.Background())
	var noData *timeseries.NoDataError
	require.True(t, errors.As(err, &noData), "got %v", err)

	_, err = store.Read(context.Background(), locations.DailyModel)
	assert.True(t, storage.IsNotFound(err))
}

func TestBootstrap_SourceError(t *testing.T) {
	boom := errors.New("mail api unavailable")
	tr := newTrainer(t, &testutil.StubSource{Err: boom}, storage.NewMemoryStore(), &clock{now: day(14, 10)}, nil)
	_, err := tr.Bootstrap(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestUpdate_ExtendsTrainingSeries(t *testing.T) {
	store := storage.NewMemoryStore()
	c := &clock{now: day(14, 10)}
	src := officeSource(21)
	tr := newTrainer(t, src, store, c, nil)
	ctx := context.Background()

	boot, err := tr.Bootstrap(ctx)
	require.NoError(t, err)
	before, _ := boot.Kind(forecast.KindSeasonal)

	c.now = day(21, 10)
	report, err := tr.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeUpdate, report.Mode)
	assert.Equal(t, 5*8*5, report.Records, "only the third week is collected again")

	daily, _ := report.Kind(forecast.KindSeasonal)
	assert.Equal(t, 21, daily.Points)
	assert.Equal(t, 600, daily.Total)
	assert.NotEqual(t, before.ArtifactID, daily.ArtifactID)

	hourly, _ := report.Kind(forecast.KindSmoothing)
	assert.Equal(t, 21*24-9, hourly.Points)

	a := loadArtifact(t, store, locations.DailyModel)
	assert.Equal(t, day(20, 0), a.Training.End.UTC())
	res, err := a.Forecast(7)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 40, 40, 40, 40, 0, 0}, res.Counts())
}

func TestUpdate_QuietPeriodZeroFills(t *testing.T) {
	store := storage.NewMemoryStore()
	c := &clock{now: day(14, 10)}
	tr := newTrainer(t, officeSource(14), store, c, nil)
	ctx := context.Background()
	_, err := tr.Bootstrap(ctx)
	require.NoError(t, err)

	c.now = day(17, 10)
	report, err := tr.Update(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Records)

	s, err := tr.Series(ctx, forecast.KindSeasonal)
	require.NoError(t, err)
	require.Equal(t, 17, s.Len())
	for _, p := range s.Points[14:] {
		assert.Zero(t, p.Count)
	}
	assert.Equal(t, day(16, 0), s.End().UTC())
}

func TestUpdate_FitFailureKeepsPreviousArtifact(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	c := &clock{now: day(5, 10)}
	tr := newTrainer(t, officeSource(5), store, c, nil)

	// Five days is enough for the hourly model but not the weekly one.
	hourly := testutil.Series(timeseries.Hour, testutil.Monday, testutil.OfficeHours(5, 5))
	daily := testutil.Series(timeseries.Day, testutil.Monday, testutil.Weekdays(5, 40))
	require.NoError(t, tr.saveSeries(ctx, forecast.KindSmoothing, hourly))
	require.NoError(t, tr.saveSeries(ctx, forecast.KindSeasonal, daily))

	report, err := tr.Update(ctx)
	require.NoError(t, err, "a fit failure is not a run failure")

	dr, _ := report.Kind(forecast.KindSeasonal)
	assert.False(t, dr.Written())
	assert.True(t, forecast.IsFitError(dr.Err))
	_, err = store.Read(ctx, locations.DailyModel)
	assert.True(t, storage.IsNotFound(err))

	hr, _ := report.Kind(forecast.KindSmoothing)
	assert.True(t, hr.Written())
	assert.NoError(t, hr.Err)
}

func TestUpdate_RequiresBootstrap(t *testing.T) {
	tr := newTrainer(t, officeSource(14), storage.NewMemoryStore(), &clock{now: day(14, 10)}, nil)
	_, err := tr.Update(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), ModeBootstrap)
}

func TestUpdate_OnlineSmoothingKeepsParameters(t *testing.T) {
	store := storage.NewMemoryStore()
	c := &clock{now: day(14, 10)}
	tr := newTrainer(t, officeSource(21), store, c, func(o *Options) {
		o.Models.Smoothing.UpdateMode = forecast.UpdateOnline
	})
	ctx := context.Background()

	_, err := tr.Bootstrap(ctx)
	require.NoError(t, err)
	first := loadArtifact(t, store, locations.HourlyModel)

	c.now = day(15, 10)
	_, err = tr.Update(ctx)
	require.NoError(t, err)
	second := loadArtifact(t, store, locations.HourlyModel)

	assert.Equal(t, first.Smoothing.Alpha, second.Smoothing.Alpha)
	assert.Equal(t, first.Smoothing.Gamma, second.Smoothing.Gamma)
	assert.Equal(t, first.Smoothing.Observations+24, second.Smoothing.Observations)
	assert.Equal(t, day(14, 23), second.Training.End.UTC())
}

func TestUpdate_RetentionTrimsOldBuckets(t *testing.T) {
	store := storage.NewMemoryStore()
	c := &clock{now: day(14, 10)}
	tr := newTrainer(t, officeSource(21), store, c, func(o *Options) {
		o.HourlyRetentionDays = 3
	})
	ctx := context.Background()
	_, err := tr.Bootstrap(ctx)
	require.NoError(t, err)

	s, err := tr.Series(ctx, forecast.KindSmoothing)
	require.NoError(t, err)
	assert.Equal(t, 3*24-1, s.Len(), "points strictly after the cutoff")
	assert.Equal(t, day(11, 1), s.Start().UTC())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, storage.NewMemoryStore(), Options{}, nil)
	assert.Error(t, err)
	_, err = New(&testutil.StubSource{}, nil, Options{}, nil)
	assert.Error(t, err)

	tr, err := New(&testutil.StubSource{}, storage.NewMemoryStore(), Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultHourlyRetentionDays, tr.opts.HourlyRetentionDays)
	assert.Equal(t, DefaultDailyRetentionDays, tr.opts.DailyRetentionDays)
	assert.Equal(t, DefaultBootstrapDays, tr.opts.BootstrapDays)
	assert.Equal(t, time.UTC, tr.opts.Location)
}

func TestSeriesCodec(t *testing.T) {
	s := testutil.Series(timeseries.Day, testutil.Monday, testutil.Weekdays(10, 40))
	data, err := encodeSeries(s)
	require.NoError(t, err)
	got, err := decodeSeries(data)
	require.NoError(t, err)
	assert.Equal(t, s.Values(), got.Values())

	_, err = decodeSeries([]byte("not zstd"))
	assert.Error(t, err)
}

func TestSeriesCodec_InvalidOptionsPanic(t *testing.T) {
	assert.Panics(t, func() { mustEncoder(zstd.WithEncoderConcurrency(0)) })
	assert.NotPanics(t, func() { mustDecoder() })
}
