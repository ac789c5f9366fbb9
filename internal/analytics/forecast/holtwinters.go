package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
)

// DailyPeriod is the seasonal period of hourly series.
const DailyPeriod = 24

// UpdateMode selects how the smoothing forecaster absorbs new data.
type UpdateMode string

const (
	// UpdateRefit re-estimates alpha, beta and gamma over the extended series.
	UpdateRefit UpdateMode = "refit"
	// UpdateOnline keeps the smoothing parameters and carries level, trend
	// and seasonal state forward over the new points only.
	UpdateOnline UpdateMode = "online"
)

// Valid reports whether m is a supported update mode.
func (m UpdateMode) Valid() bool {
	return m == UpdateRefit || m == UpdateOnline
}

// SmoothingOptions configures the exponential smoothing forecaster.
type SmoothingOptions struct {
	Period         int
	UpdateMode     UpdateMode
	MaxEvaluations int
}

// SmoothingParams is a fitted additive Holt-Winters model. Seasonals[0]
// is the seasonal component of the first bucket after the training window.
type SmoothingParams struct {
	Alpha        float64   `json:"alpha"`
	Beta         float64   `json:"beta"`
	Gamma        float64   `json:"gamma"`
	Period       int       `json:"period"`
	Level        float64   `json:"level"`
	Trend        float64   `json:"trend"`
	Seasonals    []float64 `json:"seasonals"`
	RMSE         float64   `json:"rmse"`
	Observations int       `json:"observations"`
}

func (m *SmoothingParams) project(steps int) []float64 {
	out := make([]float64, steps)
	for h := 0; h < steps; h++ {
		out[h] = m.Level + float64(h+1)*m.Trend + m.Seasonals[h%m.Period]
	}
	return out
}

func (m *SmoothingParams) validate() error {
	switch {
	case m.Period < 2:
		return fmt.Errorf("invalid smoothing period %d", m.Period)
	case len(m.Seasonals) != m.Period:
		return errors.New("smoothing seasonals do not match period")
	case !inUnit(m.Alpha) || !inUnit(m.Beta) || !inUnit(m.Gamma):
		return errors.New("smoothing parameters outside [0, 1]")
	case !allFinite(append([]float64{m.Level, m.Trend}, m.Seasonals...)):
		return errors.New("smoothing state is not finite")
	}
	return nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// smoothState is the running level, trend and seasonal ring.
type smoothState struct {
	level, trend float64
	ring         []float64
	offset       int
}

// initialState follows the classic additive initialisation: level is the
// mean of the first cycle, trend the mean per-step change between the
// first two cycles, seasonals the deviations of the first cycle.
func initialState(y []float64, m int) smoothState {
	first, second := 0.0, 0.0
	for i := 0; i < m; i++ {
		first += y[i]
		second += y[m+i]
	}
	level := first / float64(m)
	st := smoothState{
		level: level,
		trend: (second - first) / float64(m*m),
		ring:  make([]float64, m),
	}
	for i := 0; i < m; i++ {
		st.ring[i] = y[i] - level
	}
	return st
}

// run applies the recursions over y and returns the sum of squared
// one-step-ahead errors.
func (st *smoothState) run(y []float64, alpha, beta, gamma float64) float64 {
	m := len(st.ring)
	sse := 0.0
	for _, v := range y {
		idx := st.offset % m
		s := st.ring[idx]
		pred := st.level + st.trend + s
		sse += (v - pred) * (v - pred)

		level := alpha*(v-s) + (1-alpha)*(st.level+st.trend)
		trend := beta*(level-st.level) + (1-beta)*st.trend
		st.ring[idx] = gamma*(v-st.level-st.trend) + (1-gamma)*s
		st.level, st.trend = level, trend
		st.offset++
	}
	return sse
}

// seasonals returns the ring rotated so index 0 is the next bucket.
func (st *smoothState) seasonals() []float64 {
	m := len(st.ring)
	out := make([]float64, m)
	for j := 0; j < m; j++ {
		out[j] = st.ring[(st.offset+j)%m]
	}
	return out
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func logit(p float64) float64 { return math.Log(p / (1 - p)) }

// fitHoltWinters estimates alpha, beta and gamma by minimising the
// one-step-ahead RMSE, starting from (0.3, 0.1, 0.1).
func fitHoltWinters(y []float64, m, maxEvaluations int) (*SmoothingParams, error) {
	if len(y) < 2*m {
		return nil, &FitError{
			Kind:   KindSmoothing,
			Reason: ReasonInsufficient,
			Detail: fmt.Sprintf("period %d needs %d points, got %d", m, 2*m, len(y)),
		}
	}
	if !allFinite(y) {
		return nil, &FitError{Kind: KindSmoothing, Reason: ReasonDegenerate, Detail: "series contains non-finite values"}
	}
	if allZero(y) {
		return nil, &FitError{Kind: KindSmoothing, Reason: ReasonDegenerate, Detail: "series is all zero"}
	}

	init := initialState(y, m)
	objective := func(x []float64) float64 {
		st := init
		st.ring = append([]float64(nil), init.ring...)
		sse := st.run(y, sigmoid(x[0]), sigmoid(x[1]), sigmoid(x[2]))
		if math.IsNaN(sse) || math.IsInf(sse, 0) {
			return penalty
		}
		return math.Sqrt(sse / float64(len(y)))
	}

	x0 := []float64{logit(0.3), logit(0.1), logit(0.1)}
	best, rmse, err := minimize(objective, x0, maxEvaluations)
	if err != nil {
		return nil, &FitError{Kind: KindSmoothing, Reason: ReasonNonConvergent, Err: err}
	}

	alpha, beta, gamma := sigmoid(best[0]), sigmoid(best[1]), sigmoid(best[2])
	st := init
	st.ring = append([]float64(nil), init.ring...)
	st.run(y, alpha, beta, gamma)

	return &SmoothingParams{
		Alpha:        alpha,
		Beta:         beta,
		Gamma:        gamma,
		Period:       m,
		Level:        st.level,
		Trend:        st.trend,
		Seasonals:    st.seasonals(),
		RMSE:         rmse,
		Observations: len(y),
	}, nil
}

// SmoothingForecaster fits additive Holt-Winters models on hourly series.
type SmoothingForecaster struct {
	opts SmoothingOptions
}

// NewSmoothingForecaster creates a smoothing forecaster; zero options
// default to period 24 with refit updates.
func NewSmoothingForecaster(opts SmoothingOptions) *SmoothingForecaster {
	if opts.Period == 0 {
		opts.Period = DailyPeriod
	}
	if !opts.UpdateMode.Valid() {
		opts.UpdateMode = UpdateRefit
	}
	if opts.MaxEvaluations <= 0 {
		opts.MaxEvaluations = 2000
	}
	return &SmoothingForecaster{opts: opts}
}

func (f *SmoothingForecaster) Kind() Kind { return KindSmoothing }

// Fit estimates the smoothing parameters on series.
func (f *SmoothingForecaster) Fit(_ context.Context, series *timeseries.Series) (*Artifact, error) {
	if err := checkSeries(series, timeseries.Hour); err != nil {
		return nil, err
	}
	params, err := fitHoltWinters(series.Values(), f.opts.Period, f.opts.MaxEvaluations)
	if err != nil {
		return nil, err
	}
	a := newArtifact(KindSmoothing, series)
	a.Smoothing = params
	return a, nil
}

// Update refits over series, or in online mode continues prev's state over
// the points that follow its training window. Online updates fall back to
// a refit when series does not continue prev without a gap.
func (f *SmoothingForecaster) Update(ctx context.Context, prev *Artifact, series *timeseries.Series) (*Artifact, error) {
	if prev == nil || prev.Smoothing == nil || f.opts.UpdateMode == UpdateRefit {
		return f.Fit(ctx, series)
	}
	if prev.Kind != KindSmoothing {
		return nil, ErrKindMismatch
	}
	if err := checkSeries(series, timeseries.Hour); err != nil {
		return nil, err
	}

	fresh, ok := continuation(prev.Training, series)
	if !ok {
		return f.Fit(ctx, series)
	}

	p := prev.Smoothing
	st := smoothState{
		level: p.Level,
		trend: p.Trend,
		ring:  append([]float64(nil), p.Seasonals...),
	}
	sse := st.run(fresh, p.Alpha, p.Beta, p.Gamma)

	rmse := p.RMSE
	if n := p.Observations + len(fresh); n > 0 {
		rmse = math.Sqrt((p.RMSE*p.RMSE*float64(p.Observations) + sse) / float64(n))
	}

	a := newArtifact(KindSmoothing, series)
	a.Smoothing = &SmoothingParams{
		Alpha:        p.Alpha,
		Beta:         p.Beta,
		Gamma:        p.Gamma,
		Period:       p.Period,
		Level:        st.level,
		Trend:        st.trend,
		Seasonals:    st.seasonals(),
		RMSE:         rmse,
		Observations: p.Observations + len(fresh),
	}
	return a, nil
}

// continuation returns the values of series after w.End, provided the
// series contains w.End so that no bucket is skipped.
func continuation(w TrainingWindow, series *timeseries.Series) ([]float64, bool) {
	for i, pt := range series.Points {
		if pt.Timestamp.Equal(w.End) {
			var out []float64
			for _, p := range series.Points[i+1:] {
				out = append(out, float64(p.Count))
			}
			return out, true
		}
	}
	return nil, false
}

// Forecast projects steps hours beyond the artifact's training window.
func (f *SmoothingForecaster) Forecast(a *Artifact, steps int) (Result, error) {
	if a != nil && a.Kind != KindSmoothing {
		return Result{}, ErrKindMismatch
	}
	return a.Forecast(steps)
}
