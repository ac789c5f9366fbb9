package timeseries

import (
	"errors"
	"fmt"
	"time"
)

// Package timeseries turns message metadata into dense, calendar-aligned
// count series.
//
// Responsibilities:
//   - Bucket incoming message records by calendar hour or day in a fixed timezone
//   - Guarantee every bucket between the first and last timestamp is present
//   - Merge persisted training windows with freshly aggregated deltas
//   - Trim series to a bounded retention window
//
// Series never share their point slices; every operation returns a new
// series and leaves its inputs untouched.

// Granularity is the bucket size of a series.
type Granularity string

const (
	Hour Granularity = "hour"
	Day  Granularity = "day"
)

// Valid reports whether g is a supported granularity.
func (g Granularity) Valid() bool {
	return g == Hour || g == Day
}

// Period returns the number of buckets in one seasonal cycle.
func (g Granularity) Period() int {
	if g == Day {
		return 7
	}
	return 24
}

// Floor returns the start of the bucket containing t in loc.
func (g Granularity) Floor(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	if g == Day {
		return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	}
	offset := time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second +
		time.Duration(lt.Nanosecond())
	return lt.Add(-offset)
}

// Next returns the start of the bucket following the one starting at t.
func (g Granularity) Next(t time.Time) time.Time {
	if g == Day {
		n := t.AddDate(0, 0, 1)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, t.Location())
	}
	return t.Add(time.Hour)
}

// Point is a single bucket of a series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// Series is an ordered, gap-free sequence of points at a fixed granularity.
type Series struct {
	Granularity Granularity `json:"granularity"`
	Timezone    string      `json:"timezone"`
	Points      []Point     `json:"points"`
}

// ErrGranularityMismatch is returned when combining series of different granularity.
var ErrGranularityMismatch = errors.New("series granularity mismatch")

// Location resolves the series timezone.
func (s *Series) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Len returns the number of buckets.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Start returns the first bucket timestamp.
func (s *Series) Start() time.Time {
	if s.Len() == 0 {
		return time.Time{}
	}
	return s.Points[0].Timestamp
}

// End returns the last bucket timestamp.
func (s *Series) End() time.Time {
	if s.Len() == 0 {
		return time.Time{}
	}
	return s.Points[len(s.Points)-1].Timestamp
}

// Values returns the counts as floats for model fitting.
func (s *Series) Values() []float64 {
	out := make([]float64, s.Len())
	for i, p := range s.Points {
		out[i] = float64(p.Count)
	}
	return out
}

// Total returns the sum of all counts.
func (s *Series) Total() int {
	total := 0
	for _, p := range s.Points {
		total += p.Count
	}
	return total
}

// Clone returns a deep copy.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	out := &Series{Granularity: s.Granularity, Timezone: s.Timezone}
	out.Points = append([]Point(nil), s.Points...)
	return out
}

// Validate checks that the series is dense, strictly increasing and non-negative.
func (s *Series) Validate() error {
	if s == nil {
		return errors.New("series is nil")
	}
	if !s.Granularity.Valid() {
		return fmt.Errorf("invalid granularity %q", s.Granularity)
	}
	loc, err := s.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	for i, p := range s.Points {
		if p.Count < 0 {
			return fmt.Errorf("negative count %d at %s", p.Count, p.Timestamp)
		}
		if i == 0 {
			continue
		}
		want := s.Granularity.Next(s.Points[i-1].Timestamp.In(loc))
		if !p.Timestamp.Equal(want) {
			return fmt.Errorf("gap or disorder at index %d: got %s, want %s", i, p.Timestamp, want)
		}
	}
	return nil
}

// Trim returns the points strictly after cutoff.
func (s *Series) Trim(cutoff time.Time) *Series {
	out := &Series{Granularity: s.Granularity, Timezone: s.Timezone}
	for _, p := range s.Points {
		if p.Timestamp.After(cutoff) {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

// ZeroFilled returns a series with a zero bucket for every bucket between
// from and to inclusive. to before from yields an empty series.
func ZeroFilled(g Granularity, loc *time.Location, from, to time.Time) *Series {
	s := &Series{Granularity: g, Timezone: loc.String()}
	start, end := g.Floor(from, loc), g.Floor(to, loc)
	for t := start; !t.After(end); t = g.Next(t) {
		s.Points = append(s.Points, Point{Timestamp: t})
	}
	return s
}

// Merge combines a persisted series with freshly aggregated points. Fresh
// values win where both have a bucket; the result covers the union range
// and is dense.
func Merge(base, fresh *Series) (*Series, error) {
	switch {
	case base.Len() == 0 && fresh.Len() == 0:
		if fresh != nil {
			return fresh.Clone(), nil
		}
		return base.Clone(), nil
	case base.Len() == 0:
		return fresh.Clone(), nil
	case fresh.Len() == 0:
		return base.Clone(), nil
	}
	if base.Granularity != fresh.Granularity {
		return nil, fmt.Errorf("%w: %s vs %s", ErrGranularityMismatch, base.Granularity, fresh.Granularity)
	}

	loc, err := base.Location()
	if err != nil {
		return nil, err
	}

	counts := make(map[int64]int, base.Len()+fresh.Len())
	for _, p := range base.Points {
		counts[p.Timestamp.Unix()] = p.Count
	}
	for _, p := range fresh.Points {
		counts[p.Timestamp.Unix()] = p.Count
	}

	from := base.Start()
	if fresh.Start().Before(from) {
		from = fresh.Start()
	}
	to := base.End()
	if fresh.End().After(to) {
		to = fresh.End()
	}

	out := ZeroFilled(base.Granularity, loc, from, to)
	out.Timezone = base.Timezone
	for i := range out.Points {
		out.Points[i].Count = counts[out.Points[i].Timestamp.Unix()]
	}
	return out, nil
}
