package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
)

// WeeklyPeriod is the seasonal period of daily series.
const WeeklyPeriod = 7

// Order is the non-seasonal ARIMA order (p, d, q).
type Order struct {
	P int `json:"p"`
	D int `json:"d"`
	Q int `json:"q"`
}

// SeasonalOrder is the seasonal order (P, D, Q, s).
type SeasonalOrder struct {
	P int `json:"P"`
	D int `json:"D"`
	Q int `json:"Q"`
	S int `json:"s"`
}

var (
	DefaultOrder         = Order{P: 3, D: 1, Q: 6}
	DefaultSeasonalOrder = SeasonalOrder{P: 0, D: 1, Q: 0, S: WeeklyPeriod}
)

func (o Order) String() string { return fmt.Sprintf("(%d,%d,%d)", o.P, o.D, o.Q) }

func (o SeasonalOrder) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", o.P, o.D, o.Q, o.S)
}

// sigma2Floor keeps the likelihood finite for perfectly explained series.
const sigma2Floor = 1e-12

// SeasonalParams is a fitted SARIMA(p,d,q)x(P,D,Q,s) model together with
// the tail state needed to project forward without the training series.
type SeasonalParams struct {
	Order         Order         `json:"order"`
	SeasonalOrder SeasonalOrder `json:"seasonal_order"`
	AR            []float64     `json:"ar"`
	MA            []float64     `json:"ma"`
	SAR           []float64     `json:"sar"`
	SMA           []float64     `json:"sma"`
	Sigma2        float64       `json:"sigma2"`
	AIC           float64       `json:"aic"`
	Observations  int           `json:"observations"`

	History   []float64 `json:"history"`
	Residuals []float64 `json:"residuals"`
}

// integratedAR returns phi(B) * Phi(B^s) * (1-B)^d * (1-B^s)^D.
func (m *SeasonalParams) integratedAR() []float64 {
	poly := polyMul(arPolynomial(m.AR, 1), arPolynomial(m.SAR, m.SeasonalOrder.S))
	return polyMul(poly, diffPolynomial(m.Order.D, m.SeasonalOrder.D, m.SeasonalOrder.S))
}

// maPoly returns theta(B) * Theta(B^s).
func (m *SeasonalParams) maPoly() []float64 {
	return polyMul(maPolynomial(m.MA, 1), maPolynomial(m.SMA, m.SeasonalOrder.S))
}

// project forecasts steps values assuming zero future innovations.
func (m *SeasonalParams) project(steps int) []float64 {
	ar, ma := m.integratedAR(), m.maPoly()
	y := append(make([]float64, 0, len(m.History)+steps), m.History...)
	e := append(make([]float64, 0, len(m.Residuals)+steps), m.Residuals...)
	for h := 0; h < steps; h++ {
		v := 0.0
		for i := 1; i < len(ar); i++ {
			v -= ar[i] * y[len(y)-i]
		}
		for j := 1; j < len(ma); j++ {
			if idx := len(e) - j; idx >= 0 {
				v += ma[j] * e[idx]
			}
		}
		y = append(y, v)
		e = append(e, 0)
	}
	return y[len(m.History):]
}

func (m *SeasonalParams) validate() error {
	o, so := m.Order, m.SeasonalOrder
	switch {
	case len(m.AR) != o.P || len(m.MA) != o.Q || len(m.SAR) != so.P || len(m.SMA) != so.Q:
		return errors.New("seasonal coefficients do not match order")
	case len(m.History) != o.D+so.D*so.S+o.P+so.P*so.S:
		return errors.New("seasonal history length does not match order")
	case len(m.Residuals) != o.Q+so.Q*so.S:
		return errors.New("seasonal residual length does not match order")
	}
	for _, vs := range [][]float64{m.AR, m.MA, m.SAR, m.SMA, m.History, m.Residuals} {
		if !allFinite(vs) {
			return errors.New("seasonal parameters are not finite")
		}
	}
	return nil
}

func validateOrders(o Order, so SeasonalOrder) error {
	if o.P < 0 || o.D < 0 || o.Q < 0 || so.P < 0 || so.D < 0 || so.Q < 0 {
		return fmt.Errorf("negative order %s x %s", o, so)
	}
	if so.S < 2 {
		return fmt.Errorf("seasonal period must be at least 2, got %d", so.S)
	}
	return nil
}

// fitSARIMA estimates a seasonal ARIMA model by conditional sum of squares.
// x0, when it has the right length, warm-starts the optimiser.
func fitSARIMA(y []float64, o Order, so SeasonalOrder, x0 []float64, maxEvaluations int) (*SeasonalParams, error) {
	if err := validateOrders(o, so); err != nil {
		return nil, err
	}
	s := so.S
	diffLen := o.D + so.D*s
	pA := o.P + so.P*s
	qB := o.Q + so.Q*s
	k := o.P + o.Q + so.P + so.Q

	if need := diffLen + pA + k + 2; len(y) < need {
		return nil, &FitError{
			Kind:   KindSeasonal,
			Reason: ReasonInsufficient,
			Detail: fmt.Sprintf("order %s x %s needs %d points, got %d", o, so, need, len(y)),
		}
	}
	if !allFinite(y) {
		return nil, &FitError{Kind: KindSeasonal, Reason: ReasonDegenerate, Detail: "series contains non-finite values"}
	}
	if allZero(y) {
		return nil, &FitError{Kind: KindSeasonal, Reason: ReasonDegenerate, Detail: "series is all zero"}
	}

	w := seasonalDifference(difference(y, o.D), s, so.D)

	unpack := func(x []float64) (ar, ma, sar, sma []float64) {
		ar = x[:o.P]
		ma = x[o.P : o.P+o.Q]
		sar = x[o.P+o.Q : o.P+o.Q+so.P]
		sma = x[o.P+o.Q+so.P:]
		return
	}
	polys := func(x []float64) ([]float64, []float64) {
		ar, ma, sar, sma := unpack(x)
		return polyMul(arPolynomial(ar, 1), arPolynomial(sar, s)),
			polyMul(maPolynomial(ma, 1), maPolynomial(sma, s))
	}

	x := make([]float64, k)
	switch {
	case len(x0) == k:
		copy(x, x0)
	default:
		// Seed the AR terms from the dampened autocorrelations.
		acf := calculateACF(w, o.P)
		for i := 0; i < o.P && i+1 < len(acf); i++ {
			x[i] = acf[i+1] * 0.5
		}
	}

	if k > 0 && !allZero(w) {
		objective := func(x []float64) float64 {
			ar, ma := polys(x)
			_, sse, ok := conditionalResiduals(w, ar, ma)
			if !ok {
				return penalty
			}
			return sse
		}
		best, _, err := minimize(objective, x, maxEvaluations)
		if err != nil {
			return nil, &FitError{Kind: KindSeasonal, Reason: ReasonNonConvergent, Detail: fmt.Sprintf("order %s x %s", o, so), Err: err}
		}
		x = best
	} else {
		// Nothing left to explain after differencing.
		for i := range x {
			x[i] = 0
		}
	}

	arP, maP := polys(x)
	resid, sse, ok := conditionalResiduals(w, arP, maP)
	if !ok {
		return nil, &FitError{Kind: KindSeasonal, Reason: ReasonNonConvergent, Detail: "residuals diverge"}
	}
	nEff := len(w) - pA
	sigma2 := math.Max(sse/float64(nEff), sigma2Floor)
	aic := float64(nEff)*(math.Log(2*math.Pi*sigma2)+1) + 2*float64(k+1)

	ar, ma, sar, sma := unpack(x)
	m := &SeasonalParams{
		Order:         o,
		SeasonalOrder: so,
		AR:            append([]float64{}, ar...),
		MA:            append([]float64{}, ma...),
		SAR:           append([]float64{}, sar...),
		SMA:           append([]float64{}, sma...),
		Sigma2:        sigma2,
		AIC:           aic,
		Observations:  len(y),
		History:       append([]float64{}, y[len(y)-(diffLen+pA):]...),
		Residuals:     tail(resid, qB),
	}
	return m, nil
}

// conditionalResiduals computes innovations of an ARMA model on w with the
// first len(ar)-1 innovations fixed at zero.
func conditionalResiduals(w, ar, ma []float64) ([]float64, float64, bool) {
	pA := len(ar) - 1
	e := make([]float64, len(w))
	sse := 0.0
	for t := pA; t < len(w); t++ {
		v := w[t]
		for i := 1; i <= pA; i++ {
			v += ar[i] * w[t-i]
		}
		for j := 1; j < len(ma) && t-j >= 0; j++ {
			v -= ma[j] * e[t-j]
		}
		if math.IsNaN(v) || math.Abs(v) > 1e12 {
			return nil, 0, false
		}
		e[t] = v
		sse += v * v
	}
	return e, sse, true
}

// tail returns the last n values of vs, left-padded with zeros.
func tail(vs []float64, n int) []float64 {
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if len(vs) >= n {
		copy(out, vs[len(vs)-n:])
		return out
	}
	copy(out[n-len(vs):], vs)
	return out
}

// difference applies first-order differencing order times.
func difference(series []float64, order int) []float64 {
	if order == 0 {
		return series
	}

	result := make([]float64, len(series)-1)
	for i := 1; i < len(series); i++ {
		result[i-1] = series[i] - series[i-1]
	}

	if order > 1 {
		return difference(result, order-1)
	}

	return result
}

// seasonalDifference applies lag-s differencing order times.
func seasonalDifference(series []float64, s, order int) []float64 {
	for ; order > 0; order-- {
		result := make([]float64, len(series)-s)
		for i := s; i < len(series); i++ {
			result[i-s] = series[i] - series[i-s]
		}
		series = result
	}
	return series
}

// calculateACF computes the autocorrelation function up to maxLag.
func calculateACF(series []float64, maxLag int) []float64 {
	n := len(series)
	mu := mean(series)

	variance := 0.0
	for _, v := range series {
		variance += (v - mu) * (v - mu)
	}
	variance /= float64(n)

	acf := make([]float64, maxLag+1)
	acf[0] = 1.0
	if variance == 0 {
		return acf
	}

	for lag := 1; lag <= maxLag && lag < n; lag++ {
		covariance := 0.0
		for i := lag; i < n; i++ {
			covariance += (series[i] - mu) * (series[i-lag] - mu)
		}
		covariance /= float64(n)
		acf[lag] = covariance / variance
	}

	return acf
}

func polyMul(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		if x == 0 {
			continue
		}
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

// arPolynomial returns 1 - sum(c_i B^(i*step)).
func arPolynomial(coefs []float64, step int) []float64 {
	out := make([]float64, len(coefs)*step+1)
	out[0] = 1
	for i, c := range coefs {
		out[(i+1)*step] = -c
	}
	return out
}

// maPolynomial returns 1 + sum(c_i B^(i*step)).
func maPolynomial(coefs []float64, step int) []float64 {
	out := make([]float64, len(coefs)*step+1)
	out[0] = 1
	for i, c := range coefs {
		out[(i+1)*step] = c
	}
	return out
}

// diffPolynomial returns (1-B)^d * (1-B^s)^D.
func diffPolynomial(d, D, s int) []float64 {
	poly := []float64{1}
	for i := 0; i < d; i++ {
		poly = polyMul(poly, []float64{1, -1})
	}
	seasonal := make([]float64, s+1)
	seasonal[0], seasonal[s] = 1, -1
	for i := 0; i < D; i++ {
		poly = polyMul(poly, seasonal)
	}
	return poly
}

// SeasonalOptions configures the seasonal forecaster.
type SeasonalOptions struct {
	Order          Order
	SeasonalOrder  SeasonalOrder
	Grid           *GridSearch
	MaxEvaluations int
}

// DefaultSeasonalOptions returns the fixed (3,1,6)x(0,1,0,7) configuration.
func DefaultSeasonalOptions() SeasonalOptions {
	return SeasonalOptions{
		Order:          DefaultOrder,
		SeasonalOrder:  DefaultSeasonalOrder,
		MaxEvaluations: 4000,
	}
}

// SeasonalForecaster fits SARIMA models on daily series.
type SeasonalForecaster struct {
	opts SeasonalOptions
}

// NewSeasonalForecaster creates a seasonal forecaster. Zero-valued
// options fall back to the defaults.
func NewSeasonalForecaster(opts SeasonalOptions) *SeasonalForecaster {
	def := DefaultSeasonalOptions()
	if opts.SeasonalOrder.S == 0 {
		opts.Order = def.Order
		opts.SeasonalOrder = def.SeasonalOrder
	}
	if opts.MaxEvaluations <= 0 {
		opts.MaxEvaluations = def.MaxEvaluations
	}
	return &SeasonalForecaster{opts: opts}
}

func (f *SeasonalForecaster) Kind() Kind { return KindSeasonal }

// Fit estimates a model on series, running the grid search when configured.
func (f *SeasonalForecaster) Fit(ctx context.Context, series *timeseries.Series) (*Artifact, error) {
	if err := checkSeries(series, timeseries.Day); err != nil {
		return nil, err
	}
	y := series.Values()

	var (
		params *SeasonalParams
		err    error
	)
	if f.opts.Grid != nil {
		params, err = f.opts.Grid.Search(ctx, y, f.opts.SeasonalOrder.S, f.opts.MaxEvaluations)
	} else {
		params, err = fitSARIMA(y, f.opts.Order, f.opts.SeasonalOrder, nil, f.opts.MaxEvaluations)
	}
	if err != nil {
		return nil, err
	}

	a := newArtifact(KindSeasonal, series)
	a.Seasonal = params
	return a, nil
}

// Update refits on the extended series, keeping the order selected for
// prev and warm-starting from its coefficients.
func (f *SeasonalForecaster) Update(ctx context.Context, prev *Artifact, series *timeseries.Series) (*Artifact, error) {
	if prev == nil || prev.Seasonal == nil {
		return f.Fit(ctx, series)
	}
	if prev.Kind != KindSeasonal {
		return nil, ErrKindMismatch
	}
	if err := checkSeries(series, timeseries.Day); err != nil {
		return nil, err
	}
	p := prev.Seasonal
	x0 := make([]float64, 0, len(p.AR)+len(p.MA)+len(p.SAR)+len(p.SMA))
	x0 = append(x0, p.AR...)
	x0 = append(x0, p.MA...)
	x0 = append(x0, p.SAR...)
	x0 = append(x0, p.SMA...)

	params, err := fitSARIMA(series.Values(), p.Order, p.SeasonalOrder, x0, f.opts.MaxEvaluations)
	if err != nil {
		return nil, err
	}
	a := newArtifact(KindSeasonal, series)
	a.Seasonal = params
	return a, nil
}

// Forecast projects steps days beyond the artifact's training window.
func (f *SeasonalForecaster) Forecast(a *Artifact, steps int) (Result, error) {
	if a != nil && a.Kind != KindSeasonal {
		return Result{}, ErrKindMismatch
	}
	return a.Forecast(steps)
}

func checkSeries(s *timeseries.Series, g timeseries.Granularity) error {
	if s == nil {
		return errors.New("series is nil")
	}
	if s.Granularity != g {
		return fmt.Errorf("expected %s series, got %s", g, s.Granularity)
	}
	return s.Validate()
}
