package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/storage"
	"github.com/kubilitics/mailcast/internal/testutil"
)

func TestRegistry_LoadAndForecast(t *testing.T) {
	store := storage.NewMemoryStore()
	hourly, daily := testutil.Artifacts(t)
	testutil.Write(t, store, "hourly.model", hourly)
	testutil.Write(t, store, "daily.model", daily)

	r := New(store, nil)
	_, err := r.Forecast(forecast.KindSmoothing, 24)
	assert.ErrorIs(t, err, ErrNotLoaded)

	ctx := context.Background()
	require.NoError(t, r.Load(ctx, forecast.KindSmoothing, "hourly.model"))
	require.NoError(t, r.Load(ctx, forecast.KindSeasonal, "daily.model"))
	assert.Equal(t, uint64(2), r.Generation())

	res, err := r.Forecast(forecast.KindSmoothing, 24)
	require.NoError(t, err)
	assert.Len(t, res.Points, 24)

	res, err = r.Forecast(forecast.KindSeasonal, 7)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 40, 40, 40, 40, 0, 0}, res.Counts())

	active, err := r.Active(forecast.KindSeasonal)
	require.NoError(t, err)
	assert.Equal(t, "daily.model", active.Source)
	assert.False(t, active.ModifiedAt.IsZero())

	markers := r.Markers()
	assert.Len(t, markers, 2)
}

func TestRegistry_BusyWhileSwapping(t *testing.T) {
	r := New(storage.NewMemoryStore(), nil)
	hourly, _ := testutil.Artifacts(t)
	require.NoError(t, r.Install(hourly))

	release := r.lockForTest()
	_, err := r.Forecast(forecast.KindSmoothing, 1)
	assert.True(t, IsBusy(err))
	assert.ErrorIs(t, err, ErrBusy)

	_, err = r.Snapshot()
	assert.True(t, IsBusy(err))
	release()

	res, err := r.Forecast(forecast.KindSmoothing, 1)
	require.NoError(t, err)
	assert.Len(t, res.Points, 1)
}

func TestRegistry_FailedLoadKeepsPreviousModel(t *testing.T) {
	store := storage.NewMemoryStore()
	hourly, daily := testutil.Artifacts(t)
	testutil.Write(t, store, "hourly.model", hourly)

	r := New(store, nil)
	ctx := context.Background()
	require.NoError(t, r.Load(ctx, forecast.KindSmoothing, "hourly.model"))

	tests := []struct {
		name     string
		prepare  func()
		location string
	}{
		{"missing", func() {}, "absent.model"},
		{"corrupt", func() { require.NoError(t, store.Write(ctx, "corrupt.model", []byte("garbage"))) }, "corrupt.model"},
		{"wrong kind", func() { testutil.Write(t, store, "daily.model", daily) }, "daily.model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.prepare()
			err := r.Load(ctx, forecast.KindSmoothing, tt.location)
			require.Error(t, err)

			var le *LoadError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, tt.location, le.Location)
			assert.Equal(t, forecast.KindSmoothing, le.Kind)

			active, err := r.Active(forecast.KindSmoothing)
			require.NoError(t, err)
			assert.Equal(t, hourly.ID, active.ID)
		})
	}
	assert.Equal(t, uint64(1), r.Generation())
}

func TestRegistry_ReloadIsAllOrNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	hourly, daily := testutil.Artifacts(t)
	testutil.Write(t, store, "hourly.model", hourly)
	testutil.Write(t, store, "daily.model", daily)

	r := New(store, nil)
	ctx := context.Background()
	require.NoError(t, r.Reload(ctx,
		Request{Kind: forecast.KindSmoothing, Location: "hourly.model"},
		Request{Kind: forecast.KindSeasonal, Location: "daily.model"},
	))
	assert.Equal(t, uint64(1), r.Generation())

	fresh, _ := testutil.Artifacts(t)
	testutil.Write(t, store, "hourly.model", fresh)
	err := r.Reload(ctx,
		Request{Kind: forecast.KindSmoothing, Location: "hourly.model"},
		Request{Kind: forecast.KindSeasonal, Location: "missing.model"},
	)
	require.Error(t, err)

	active, err := r.Active(forecast.KindSmoothing)
	require.NoError(t, err)
	assert.Equal(t, hourly.ID, active.ID, "hourly must not be swapped when daily fails")
	assert.Equal(t, uint64(1), r.Generation())
}

func TestRegistry_SnapshotNeverMixesGenerations(t *testing.T) {
	store := storage.NewMemoryStore()
	pairs := make(map[string]string)
	for _, prefix := range []string{"a/", "b/"} {
		hourly, daily := testutil.Artifacts(t)
		testutil.Write(t, store, prefix+"hourly.model", hourly)
		testutil.Write(t, store, prefix+"daily.model", daily)
		pairs[hourly.ID] = daily.ID
	}

	r := New(store, nil)
	ctx := context.Background()
	reload := func(prefix string) error {
		return r.Reload(ctx,
			Request{Kind: forecast.KindSmoothing, Location: prefix + "hourly.model"},
			Request{Kind: forecast.KindSeasonal, Location: prefix + "daily.model"},
		)
	}
	require.NoError(t, reload("a/"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			prefix := "a/"
			if i%2 == 0 {
				prefix = "b/"
			}
			assert.NoError(t, reload(prefix))
		}
		close(stop)
	}()

	busy, served := 0, 0
	for done := false; !done; {
		select {
		case <-stop:
			done = true
		default:
		}
		snap, err := r.Snapshot()
		if IsBusy(err) {
			busy++
			continue
		}
		require.NoError(t, err)
		served++
		h := snap.Artifacts[forecast.KindSmoothing]
		d := snap.Artifacts[forecast.KindSeasonal]
		require.NotNil(t, h)
		require.NotNil(t, d)
		if pairs[h.ID] != d.ID {
			t.Fatalf("snapshot mixed hourly %s with daily %s", h.ID, d.ID)
		}
		_, err = snap.Forecast(forecast.KindSeasonal, 7)
		require.NoError(t, err)
	}
	wg.Wait()
	t.Logf("served %d snapshots, %d busy", served, busy)
	assert.Equal(t, uint64(201), r.Generation())
}
