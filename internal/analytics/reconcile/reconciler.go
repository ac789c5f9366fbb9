package reconcile

import (
	"errors"
	"math"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
)

// Package reconcile blends independently produced hourly and daily
// forecasts into one consistent prediction for a day.
//
// The hourly model supplies the shape of the day, the daily model an
// alternative total. The total used is the average of the two, spread over
// the hours in proportion to the hourly forecast.

// ErrEmptyForecast is returned when there is no hourly bucket to distribute over.
var ErrEmptyForecast = errors.New("hourly forecast is empty")

// Result is a reconciled forecast. Total always equals the sum of Hourly.
type Result struct {
	Hourly       forecast.Result `json:"hourly"`
	Total        int             `json:"total"`
	HourlyTotal  int             `json:"hourly_total"`
	DailyTotal   int             `json:"daily_total"`
	BlendedTotal float64         `json:"blended_total"`
}

// Reconcile distributes the average of the hourly and daily totals across
// the hourly buckets. Each bucket is rounded up, so Total may exceed the
// blended total by at most one per bucket. A zero hourly total spreads the
// blended total uniformly.
func Reconcile(hourly forecast.Result, dailyTotal int) (Result, error) {
	n := len(hourly.Points)
	if n == 0 {
		return Result{}, ErrEmptyForecast
	}
	if dailyTotal < 0 {
		dailyTotal = 0
	}

	hourlyTotal := 0
	for _, p := range hourly.Points {
		if p.Count > 0 {
			hourlyTotal += p.Count
		}
	}
	blended := float64(dailyTotal+hourlyTotal) / 2

	adjusted := forecast.Result{
		Kind:        hourly.Kind,
		Granularity: hourly.Granularity,
		Points:      make([]forecast.Prediction, n),
	}
	total := 0
	for i, p := range hourly.Points {
		var v float64
		if hourlyTotal == 0 {
			v = blended / float64(n)
		} else {
			v = float64(max(p.Count, 0)) * blended / float64(hourlyTotal)
		}
		c := int(math.Ceil(v))
		if c < 0 {
			c = 0
		}
		adjusted.Points[i] = forecast.Prediction{Timestamp: p.Timestamp, Count: c}
		total += c
	}

	return Result{
		Hourly:       adjusted,
		Total:        total,
		HourlyTotal:  hourlyTotal,
		DailyTotal:   dailyTotal,
		BlendedTotal: blended,
	}, nil
}
