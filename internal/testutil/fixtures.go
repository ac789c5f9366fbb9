// Package testutil builds series, records and fitted artifacts for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
	"github.com/kubilitics/mailcast/internal/message"
	"github.com/kubilitics/mailcast/internal/storage"
)

// Monday is the first bucket of every fixture series.
var Monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

// Series builds a dense series of counts starting at start.
func Series(g timeseries.Granularity, start time.Time, counts []int) *timeseries.Series {
	s := &timeseries.Series{Granularity: g, Timezone: start.Location().String()}
	ts := start
	for _, c := range counts {
		s.Points = append(s.Points, timeseries.Point{Timestamp: ts, Count: c})
		ts = g.Next(ts)
	}
	return s
}

// OfficeHours returns days*24 hourly counts: perHour between 09:00 and
// 17:00 on weekdays, zero otherwise. Day zero is a Monday.
func OfficeHours(days, perHour int) []int {
	out := make([]int, days*24)
	for i := range out {
		day, hour := i/24, i%24
		if day%7 < 5 && hour >= 9 && hour < 17 {
			out[i] = perHour
		}
	}
	return out
}

// Weekdays returns days daily counts: perDay on weekdays, zero on weekends.
func Weekdays(days, perDay int) []int {
	out := make([]int, days)
	for i := range out {
		if i%7 < 5 {
			out[i] = perDay
		}
	}
	return out
}

// Records returns one incoming message per unit of count in each hourly
// bucket of counts, starting at start.
func Records(start time.Time, counts []int) []*message.Record {
	var out []*message.Record
	for i, c := range counts {
		ts := start.Add(time.Duration(i) * time.Hour)
		for j := 0; j < c; j++ {
			at := ts.Add(time.Duration(j) * time.Minute)
			out = append(out, message.NewRecord(at.Format(time.RFC3339Nano), at.UnixMilli(), []string{"INBOX"}))
		}
	}
	return out
}

// SeasonalOptions is a small seasonal order that fits a clean weekly
// pattern exactly.
func SeasonalOptions() forecast.SeasonalOptions {
	return forecast.SeasonalOptions{
		Order:         forecast.Order{P: 1},
		SeasonalOrder: forecast.SeasonalOrder{D: 1, S: forecast.WeeklyPeriod},
	}
}

// Artifacts fits an hourly and a daily artifact on two weeks of office
// traffic.
func Artifacts(t testing.TB) (hourly, daily *forecast.Artifact) {
	t.Helper()
	ctx := context.Background()

	hourly, err := forecast.NewSmoothingForecaster(forecast.SmoothingOptions{}).
		Fit(ctx, Series(timeseries.Hour, Monday, OfficeHours(14, 5)))
	require.NoError(t, err)

	daily, err = forecast.NewSeasonalForecaster(SeasonalOptions()).
		Fit(ctx, Series(timeseries.Day, Monday, Weekdays(14, 40)))
	require.NoError(t, err)
	return hourly, daily
}

// Write encodes a and stores it at location.
func Write(t testing.TB, s storage.Store, location string, a *forecast.Artifact) {
	t.Helper()
	data, err := forecast.Encode(a)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), location, data))
}

// StubSource serves a fixed record set, filtered to the requested range.
type StubSource struct {
	Records []*message.Record
	Err     error
	Calls   int
}

// Messages implements message.Source.
func (s *StubSource) Messages(_ context.Context, from, to time.Time) ([]*message.Record, error) {
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*message.Record
	for _, r := range s.Records {
		if r == nil {
			out = append(out, nil)
			continue
		}
		ts := r.Time(time.UTC)
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}
