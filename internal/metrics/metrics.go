package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Forecasting service metrics for production monitoring
var (
	// Registry metrics
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcast_reloads_total",
			Help: "Total number of model reload attempts",
		},
		[]string{"result"}, // result: success/failure/skipped
	)

	ModelGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcast_model_generation",
			Help: "Number of model swaps performed by the registry",
		},
	)

	RegistryBusyTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailcast_registry_busy_total",
			Help: "Total number of reads rejected while models were being swapped",
		},
	)

	ModelFittedTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailcast_model_fitted_timestamp_seconds",
			Help: "Unix time at which the active model was fitted",
		},
		[]string{"kind"},
	)

	// Serving metrics
	ForecastRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcast_forecast_requests_total",
			Help: "Total number of forecast requests",
		},
		[]string{"kind", "status"}, // status: ok/busy/unavailable/error
	)

	ForecastRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcast_forecast_request_duration_seconds",
			Help:    "Forecast request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10), // 0.5ms to ~0.5s
		},
		[]string{"kind"},
	)

	// Training metrics
	FitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcast_fit_duration_seconds",
			Help:    "Model fit duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"kind"},
	)

	FitFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcast_fit_failures_total",
			Help: "Total number of fits that failed and kept the previous artifact",
		},
		[]string{"kind", "reason"},
	)

	TrainingPoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailcast_training_points",
			Help: "Number of buckets in the persisted training series",
		},
		[]string{"kind"},
	)

	TrainerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcast_trainer_runs_total",
			Help: "Total number of trainer runs",
		},
		[]string{"mode", "status"}, // mode: bootstrap/update
	)
)
