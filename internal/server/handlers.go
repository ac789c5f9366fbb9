package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/analytics/reconcile"
	"github.com/kubilitics/mailcast/internal/metrics"
	"github.com/kubilitics/mailcast/internal/registry"
)

// MaxSteps bounds the forecast horizon of a single request.
const MaxSteps = 1000

// ForecastResponse is the body of the hourly and daily endpoints.
type ForecastResponse struct {
	forecast.Result
	Total int `json:"total"`
}

// TodayResponse is the body of the reconciled forecast endpoint.
type TodayResponse struct {
	Generation uint64    `json:"generation"`
	Day        time.Time `json:"day"`
	reconcile.Result
}

// ModelStatus describes one loaded model in the health response.
type ModelStatus struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	FittedAt    time.Time `json:"fitted_at"`
	TrainingEnd time.Time `json:"training_end"`
	Points      int       `json:"points"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status     string                        `json:"status"`
	Generation uint64                        `json:"generation"`
	Models     map[forecast.Kind]ModelStatus `json:"models"`
	Timestamp  time.Time                     `json:"timestamp"`
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	s.serveForecast(w, r, "hourly", forecast.KindSmoothing, s.config.Forecast.HourlySteps)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	s.serveForecast(w, r, "daily", forecast.KindSeasonal, s.config.Forecast.DailySteps)
}

func (s *Server) serveForecast(w http.ResponseWriter, r *http.Request, label string, kind forecast.Kind, defaultSteps int) {
	start := time.Now()
	defer func() {
		metrics.ForecastRequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	steps, err := parseSteps(r, defaultSteps)
	if err != nil {
		metrics.ForecastRequestsTotal.WithLabelValues(label, "error").Inc()
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.models.Forecast(kind, steps)
	if err != nil {
		s.respondModelError(w, label, err)
		return
	}
	metrics.ForecastRequestsTotal.WithLabelValues(label, "ok").Inc()
	respondJSON(w, http.StatusOK, ForecastResponse{Result: res, Total: res.Total()})
}

// errMisaligned reports an hourly training window that already covers the
// day the daily model forecasts next.
var errMisaligned = errors.New("hourly and daily training windows do not share a forecast day")

// forecastDay returns the first day after the daily training window
// together with the hourly forecast for exactly that day. The hourly model
// is projected as far as needed to reach the day.
func forecastDay(snap registry.Snapshot) (time.Time, forecast.Result, int, error) {
	hourlyModel := snap.Artifacts[forecast.KindSmoothing]
	if hourlyModel == nil {
		return time.Time{}, forecast.Result{}, 0, registry.ErrNotLoaded
	}
	daily, err := snap.Forecast(forecast.KindSeasonal, 1)
	if err != nil {
		return time.Time{}, forecast.Result{}, 0, err
	}

	day := daily.Points[0].Timestamp
	next := day.AddDate(0, 0, 1)
	first := hourlyModel.Training.End.Add(time.Hour)
	if first.After(day) {
		return time.Time{}, forecast.Result{}, 0, errMisaligned
	}
	steps := int(next.Sub(first) / time.Hour)
	if steps > MaxSteps {
		return time.Time{}, forecast.Result{}, 0, errMisaligned
	}

	full, err := snap.Forecast(forecast.KindSmoothing, steps)
	if err != nil {
		return time.Time{}, forecast.Result{}, 0, err
	}
	hourly := forecast.Result{Kind: full.Kind, Granularity: full.Granularity}
	for _, p := range full.Points {
		if !p.Timestamp.Before(day) && p.Timestamp.Before(next) {
			hourly.Points = append(hourly.Points, p)
		}
	}
	return day, hourly, daily.Total(), nil
}

// handleToday reconciles the hourly forecast of the next daily bucket
// against that bucket's total, both from the same snapshot.
func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	const label = "today"
	start := time.Now()
	defer func() {
		metrics.ForecastRequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	snap, err := s.models.Snapshot()
	if err != nil {
		s.respondModelError(w, label, err)
		return
	}
	day, hourly, dailyTotal, err := forecastDay(snap)
	if errors.Is(err, errMisaligned) {
		s.logger.Warn("cannot reconcile forecasts", zap.Uint64("generation", snap.Generation), zap.Error(err))
	}
	if err != nil {
		s.respondModelError(w, label, err)
		return
	}

	res, err := reconcile.Reconcile(hourly, dailyTotal)
	if err != nil {
		s.respondModelError(w, label, err)
		return
	}
	metrics.ForecastRequestsTotal.WithLabelValues(label, "ok").Inc()
	respondJSON(w, http.StatusOK, TodayResponse{
		Generation: snap.Generation,
		Day:        day,
		Result:     res,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.models.Snapshot()
	if registry.IsBusy(err) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "refreshing"})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := HealthResponse{
		Status:     "healthy",
		Generation: snap.Generation,
		Models:     make(map[forecast.Kind]ModelStatus, len(snap.Artifacts)),
		Timestamp:  time.Now().UTC(),
	}
	for k, a := range snap.Artifacts {
		resp.Models[k] = ModelStatus{
			ID:          a.ID,
			Source:      a.Source,
			FittedAt:    a.FittedAt,
			TrainingEnd: a.Training.End,
			Points:      a.Training.Points,
		}
	}

	status := http.StatusOK
	for _, k := range forecast.Kinds {
		if _, ok := resp.Models[k]; !ok {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	respondJSON(w, status, resp)
}

// respondModelError maps registry and forecast errors onto HTTP statuses.
func (s *Server) respondModelError(w http.ResponseWriter, label string, err error) {
	switch {
	case registry.IsBusy(err):
		metrics.ForecastRequestsTotal.WithLabelValues(label, "busy").Inc()
		w.Header().Set("Retry-After", "1")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "refreshing"})
	case errors.Is(err, registry.ErrNotLoaded), errors.Is(err, forecast.ErrNotFitted), errors.Is(err, errMisaligned):
		metrics.ForecastRequestsTotal.WithLabelValues(label, "unavailable").Inc()
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	case errors.Is(err, forecast.ErrInvalidSteps):
		metrics.ForecastRequestsTotal.WithLabelValues(label, "error").Inc()
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		metrics.ForecastRequestsTotal.WithLabelValues(label, "error").Inc()
		s.logger.Error("forecast failed", zap.String("endpoint", label), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "forecast failed")
	}
}

func parseSteps(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("steps")
	if raw == "" {
		return def, nil
	}
	steps, err := strconv.Atoi(raw)
	if err != nil || steps < 1 || steps > MaxSteps {
		return 0, fmt.Errorf("steps must be an integer between 1 and %d", MaxSteps)
	}
	return steps, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
