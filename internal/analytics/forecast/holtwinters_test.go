package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
)

// officeHours returns hours hourly counts starting at midnight: 5 per hour
// from 9am to 5pm, 0 otherwise.
func officeHours(hours int) []int {
	out := make([]int, hours)
	for i := range out {
		if h := i % 24; h >= 9 && h < 17 {
			out[i] = 5
		}
	}
	return out
}

func TestHoltWinters_DailyPattern(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	series := buildSeries(timeseries.Hour, start, officeHours(7*24))

	f := NewSmoothingForecaster(SmoothingOptions{})
	artifact, err := f.Fit(context.Background(), series)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if artifact.Smoothing.Period != DailyPeriod {
		t.Errorf("expected period 24, got %d", artifact.Smoothing.Period)
	}

	result, err := f.Forecast(artifact, 24)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	if len(result.Points) != 24 {
		t.Fatalf("expected 24 points, got %d", len(result.Points))
	}

	want := officeHours(24)
	for i, p := range result.Points {
		if p.Count != want[i] {
			t.Errorf("hour %d: expected %d, got %d", p.Timestamp.Hour(), want[i], p.Count)
		}
	}
	if !result.Points[0].Timestamp.Equal(series.End().Add(time.Hour)) {
		t.Errorf("forecast should start one hour after %s, got %s", series.End(), result.Points[0].Timestamp)
	}
}

func TestHoltWinters_ParametersBounded(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	counts := officeHours(10 * 24)
	for i := range counts {
		counts[i] += (i * 7) % 3
	}
	artifact, err := NewSmoothingForecaster(SmoothingOptions{}).Fit(context.Background(), buildSeries(timeseries.Hour, start, counts))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	p := artifact.Smoothing
	for name, v := range map[string]float64{"alpha": p.Alpha, "beta": p.Beta, "gamma": p.Gamma} {
		if v < 0 || v > 1 {
			t.Errorf("%s out of range: %f", name, v)
		}
	}

	result, err := artifact.Forecast(48)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	for _, pt := range result.Points {
		if pt.Count < 0 {
			t.Errorf("negative forecast at %s", pt.Timestamp)
		}
	}
}

func TestHoltWinters_InsufficientAndDegenerate(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		counts []int
		reason FitReason
	}{
		{"short", officeHours(30), ReasonInsufficient},
		{"all zero", make([]int, 72), ReasonDegenerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSmoothingForecaster(SmoothingOptions{}).Fit(context.Background(), buildSeries(timeseries.Hour, start, tt.counts))
			var fe *FitError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FitError, got %v", err)
			}
			if fe.Reason != tt.reason {
				t.Errorf("expected %s, got %s", tt.reason, fe.Reason)
			}
		})
	}
}

func TestHoltWinters_OnlineUpdate(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	f := NewSmoothingForecaster(SmoothingOptions{UpdateMode: UpdateOnline})

	prev, err := f.Fit(context.Background(), buildSeries(timeseries.Hour, start, officeHours(7*24)))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	extended := buildSeries(timeseries.Hour, start, officeHours(8*24))
	next, err := f.Update(context.Background(), prev, extended)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if next.Smoothing.Alpha != prev.Smoothing.Alpha || next.Smoothing.Gamma != prev.Smoothing.Gamma {
		t.Error("online update must keep the smoothing parameters")
	}
	if got := next.Smoothing.Observations; got != 8*24 {
		t.Errorf("expected %d observations, got %d", 8*24, got)
	}
	if !next.Training.End.Equal(extended.End()) {
		t.Errorf("expected window end %s, got %s", extended.End(), next.Training.End)
	}

	result, err := next.Forecast(24)
	if err != nil {
		t.Fatalf("Forecast failed: %v", err)
	}
	want := officeHours(24)
	for i, p := range result.Points {
		if p.Count != want[i] {
			t.Errorf("hour %d: expected %d, got %d", i, want[i], p.Count)
		}
	}
}

func TestHoltWinters_OnlineUpdateWithGapRefits(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	f := NewSmoothingForecaster(SmoothingOptions{UpdateMode: UpdateOnline})

	prev, err := f.Fit(context.Background(), buildSeries(timeseries.Hour, start, officeHours(7*24)))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// A window that no longer contains prev's last bucket.
	later := buildSeries(timeseries.Hour, start.Add(10*24*time.Hour), officeHours(3*24))
	next, err := f.Update(context.Background(), prev, later)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := next.Smoothing.Observations; got != 3*24 {
		t.Errorf("expected a refit over %d points, got %d", 3*24, got)
	}
}

func TestHoltWinters_RefitIsDefault(t *testing.T) {
	f := NewSmoothingForecaster(SmoothingOptions{UpdateMode: "bogus"})
	if f.opts.UpdateMode != UpdateRefit {
		t.Errorf("expected refit default, got %s", f.opts.UpdateMode)
	}

	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	prev, err := f.Fit(context.Background(), buildSeries(timeseries.Hour, start, officeHours(3*24)))
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	next, err := f.Update(context.Background(), prev, buildSeries(timeseries.Hour, start, officeHours(4*24)))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if next.Smoothing.Observations != 4*24 {
		t.Errorf("expected %d observations, got %d", 4*24, next.Smoothing.Observations)
	}
}

func BenchmarkHoltWintersFit(b *testing.B) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	series := buildSeries(timeseries.Hour, start, officeHours(183*24))
	f := NewSmoothingForecaster(SmoothingOptions{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.Fit(context.Background(), series); err != nil {
			b.Fatal(err)
		}
	}
}
