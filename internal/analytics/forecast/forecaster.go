package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
)

// Package forecast fits and evaluates the two mailbox traffic models.
//
// Responsibilities:
//   - Fit a seasonal ARIMA model on daily counts (weekly period)
//   - Fit an additive Holt-Winters model on hourly counts (daily period)
//   - Produce immutable artifacts that can be persisted and reloaded
//   - Project non-negative integer forecasts from an artifact
//
// Model Kinds:
//   1. Seasonal: SARIMA(p,d,q)x(P,D,Q,7), estimated by conditional sum of squares.
//      Optional grid search over candidate orders scored by AIC.
//   2. Exponential smoothing: triple exponential smoothing with period 24.
//      Updates are full refits by default, or carry state forward in online mode.

// Kind identifies a model family.
type Kind string

const (
	KindSeasonal  Kind = "seasonal"
	KindSmoothing Kind = "exponential_smoothing"
)

// Kinds lists the supported kinds in a stable order.
var Kinds = []Kind{KindSmoothing, KindSeasonal}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return k == KindSeasonal || k == KindSmoothing
}

// Granularity returns the native series granularity of the kind.
func (k Kind) Granularity() timeseries.Granularity {
	if k == KindSeasonal {
		return timeseries.Day
	}
	return timeseries.Hour
}

// Forecaster fits artifacts for one model kind. Artifacts are never
// mutated; Fit and Update always return a new one.
type Forecaster interface {
	Kind() Kind
	Fit(ctx context.Context, series *timeseries.Series) (*Artifact, error)
	Update(ctx context.Context, prev *Artifact, series *timeseries.Series) (*Artifact, error)
	Forecast(a *Artifact, steps int) (Result, error)
}

// Prediction is a single forecast bucket.
type Prediction struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// Result is a contiguous forecast at the model's native granularity.
type Result struct {
	Kind        Kind                   `json:"kind"`
	Granularity timeseries.Granularity `json:"granularity"`
	Points      []Prediction           `json:"points"`
}

// Total returns the sum of all predicted counts.
func (r Result) Total() int {
	total := 0
	for _, p := range r.Points {
		total += p.Count
	}
	return total
}

// Counts returns the predicted counts in order.
func (r Result) Counts() []int {
	out := make([]int, len(r.Points))
	for i, p := range r.Points {
		out[i] = p.Count
	}
	return out
}

// countEpsilon absorbs floating point noise before rounding up, so that
// 40.0000000001 becomes 40 rather than 41.
const countEpsilon = 1e-9

// roundCount rounds v up to the next integer and clamps it at zero.
func roundCount(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxInt32
	}
	return int(math.Ceil(v - countEpsilon))
}

// buildResult anchors raw values one step after last.
func buildResult(kind Kind, last time.Time, loc *time.Location, raw []float64) Result {
	g := kind.Granularity()
	res := Result{Kind: kind, Granularity: g, Points: make([]Prediction, len(raw))}
	t := last.In(loc)
	for i, v := range raw {
		t = g.Next(t)
		res.Points[i] = Prediction{Timestamp: t, Count: roundCount(v)}
	}
	return res
}

// New returns the forecaster for kind configured with opts.
func New(kind Kind, opts Options) (Forecaster, error) {
	switch kind {
	case KindSeasonal:
		return NewSeasonalForecaster(opts.Seasonal), nil
	case KindSmoothing:
		return NewSmoothingForecaster(opts.Smoothing), nil
	default:
		return nil, fmt.Errorf("unknown forecaster kind %q", kind)
	}
}

// Options configures both forecasters.
type Options struct {
	Seasonal  SeasonalOptions
	Smoothing SmoothingOptions
}
