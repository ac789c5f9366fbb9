package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
	"github.com/kubilitics/mailcast/internal/config"
	"github.com/kubilitics/mailcast/internal/registry"
	"github.com/kubilitics/mailcast/internal/storage"
	"github.com/kubilitics/mailcast/internal/testutil"
)

type busyModels struct{}

func (busyModels) Forecast(forecast.Kind, int) (forecast.Result, error) {
	return forecast.Result{}, registry.ErrBusy
}

func (busyModels) Snapshot() (registry.Snapshot, error) {
	return registry.Snapshot{}, registry.ErrBusy
}

func newTestServer(t *testing.T, models Models) *Server {
	t.Helper()
	srv, err := NewServer(config.DefaultConfig(), models, nil)
	require.NoError(t, err)
	return srv
}

func loadedRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(storage.NewMemoryStore(), nil)
	hourly, daily := testutil.Artifacts(t)
	require.NoError(t, reg.Install(hourly, daily))
	return reg
}

func get(t *testing.T, srv *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleForecast(t *testing.T) {
	srv := newTestServer(t, loadedRegistry(t))

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantPoints int
	}{
		{name: "hourly default steps", target: "/api/v1/forecast/hourly", wantStatus: http.StatusOK, wantPoints: 24},
		{name: "hourly explicit steps", target: "/api/v1/forecast/hourly?steps=48", wantStatus: http.StatusOK, wantPoints: 48},
		{name: "daily default steps", target: "/api/v1/forecast/daily", wantStatus: http.StatusOK, wantPoints: 7},
		{name: "daily explicit steps", target: "/api/v1/forecast/daily?steps=3", wantStatus: http.StatusOK, wantPoints: 3},
		{name: "zero steps", target: "/api/v1/forecast/daily?steps=0", wantStatus: http.StatusBadRequest},
		{name: "non numeric steps", target: "/api/v1/forecast/hourly?steps=abc", wantStatus: http.StatusBadRequest},
		{name: "too many steps", target: "/api/v1/forecast/hourly?steps=5000", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, tt.target)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp ForecastResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Len(t, resp.Points, tt.wantPoints)
			assert.Equal(t, resp.Result.Total(), resp.Total)
		})
	}
}

func TestHandleForecast_DailyValues(t *testing.T) {
	srv := newTestServer(t, loadedRegistry(t))

	rec := get(t, srv, "/api/v1/forecast/daily")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ForecastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, forecast.KindSeasonal, resp.Kind)
	assert.Equal(t, []int{40, 40, 40, 40, 40, 0, 0}, resp.Counts())
	assert.Equal(t, 200, resp.Total)
}

func TestHandleToday(t *testing.T) {
	srv := newTestServer(t, loadedRegistry(t))

	rec := get(t, srv, "/api/v1/forecast/today")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TodayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.Generation)
	assert.Equal(t, 40, resp.DailyTotal)
	require.Len(t, resp.Hourly.Points, 24)

	sum := 0
	for _, p := range resp.Hourly.Points {
		assert.GreaterOrEqual(t, p.Count, 0)
		sum += p.Count
	}
	assert.Equal(t, resp.Total, sum)
	assert.GreaterOrEqual(t, float64(resp.Total), resp.BlendedTotal)
	assert.True(t, resp.Day.Equal(testutil.Monday.AddDate(0, 0, 14)))
}

func TestHandleToday_MisalignedWindows(t *testing.T) {
	ctx := context.Background()
	fitHourly := func(t *testing.T, days int) *forecast.Artifact {
		a, err := forecast.NewSmoothingForecaster(forecast.SmoothingOptions{}).
			Fit(ctx, testutil.Series(timeseries.Hour, testutil.Monday, testutil.OfficeHours(days, 5)))
		require.NoError(t, err)
		return a
	}
	fitDaily := func(t *testing.T, days int) *forecast.Artifact {
		a, err := forecast.NewSeasonalForecaster(testutil.SeasonalOptions()).
			Fit(ctx, testutil.Series(timeseries.Day, testutil.Monday, testutil.Weekdays(days, 40)))
		require.NoError(t, err)
		return a
	}

	t.Run("hourly window behind daily", func(t *testing.T) {
		reg := registry.New(storage.NewMemoryStore(), nil)
		require.NoError(t, reg.Install(fitHourly(t, 7), fitDaily(t, 14)))
		srv := newTestServer(t, reg)

		rec := get(t, srv, "/api/v1/forecast/today")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TodayResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		day := testutil.Monday.AddDate(0, 0, 14)
		assert.True(t, resp.Day.Equal(day))
		assert.Equal(t, 40, resp.DailyTotal)
		require.Len(t, resp.Hourly.Points, 24)
		assert.True(t, resp.Hourly.Points[0].Timestamp.Equal(day))
		assert.True(t, resp.Hourly.Points[23].Timestamp.Equal(day.Add(23*time.Hour)))
	})

	t.Run("hourly window past daily", func(t *testing.T) {
		reg := registry.New(storage.NewMemoryStore(), nil)
		require.NoError(t, reg.Install(fitHourly(t, 14), fitDaily(t, 11)))
		srv := newTestServer(t, reg)

		rec := get(t, srv, "/api/v1/forecast/today")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())
	})
}

func TestHandleForecast_Busy(t *testing.T) {
	srv := newTestServer(t, busyModels{})

	for _, target := range []string{
		"/api/v1/forecast/hourly",
		"/api/v1/forecast/daily",
		"/api/v1/forecast/today",
	} {
		t.Run(target, func(t *testing.T) {
			rec := get(t, srv, target)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			assert.JSONEq(t, `{"status":"refreshing"}`, rec.Body.String())
		})
	}
}

func TestHandleForecast_NotLoaded(t *testing.T) {
	reg := registry.New(storage.NewMemoryStore(), nil)
	hourly, _ := testutil.Artifacts(t)
	require.NoError(t, reg.Install(hourly))
	srv := newTestServer(t, reg)

	rec := get(t, srv, "/api/v1/forecast/daily")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())

	rec = get(t, srv, "/api/v1/forecast/today")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, srv, "/api/v1/forecast/hourly")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	t.Run("both models loaded", func(t *testing.T) {
		srv := newTestServer(t, loadedRegistry(t))
		rec := get(t, srv, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, uint64(1), resp.Generation)
		assert.Len(t, resp.Models, 2)
		assert.Equal(t, 14, resp.Models[forecast.KindSeasonal].Points)
		assert.False(t, resp.Models[forecast.KindSmoothing].FittedAt.IsZero())
	})

	t.Run("nothing loaded", func(t *testing.T) {
		srv := newTestServer(t, registry.New(storage.NewMemoryStore(), nil))
		rec := get(t, srv, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "unavailable", resp.Status)
	})

	t.Run("refreshing", func(t *testing.T) {
		srv := newTestServer(t, busyModels{})
		rec := get(t, srv, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"refreshing"}`, rec.Body.String())
	})
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t, loadedRegistry(t))

	rec := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mailcast_")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/forecast/hourly", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"method not allowed"}`, rec.Body.String())

	rec = get(t, srv, "/api/v1/forecast/weekly")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, busyModels{}, nil)
	assert.Error(t, err)

	_, err = NewServer(config.DefaultConfig(), nil, nil)
	assert.Error(t, err)

	srv := newTestServer(t, busyModels{})
	assert.False(t, srv.IsRunning())
	assert.Error(t, srv.Stop(t.Context()))
}

func TestServer_StartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	srv, err := NewServer(cfg, loadedRegistry(t), nil)
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.Error(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/forecast/daily?steps=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(t.Context()))
	assert.False(t, srv.IsRunning())
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimitPerMin = 2
	srv, err := NewServer(cfg, loadedRegistry(t), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := get(t, srv, "/api/v1/forecast/daily")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := get(t, srv, "/api/v1/forecast/daily")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// Other clients and health checks are unaffected
	req := httptest.NewRequest(http.MethodGet, "/api/v1/forecast/daily", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_DropsStaleClients(t *testing.T) {
	l := newRateLimiter(1)
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.limiterFor("198.51.100.1")
	now = now.Add(staleClientAfter + time.Minute)
	l.limiterFor("198.51.100.2")

	assert.Len(t, l.clients, 1)
	assert.Contains(t, l.clients, "198.51.100.2")
}
