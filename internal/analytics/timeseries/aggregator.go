package timeseries

import (
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/mailcast/internal/message"
)

// NoDataError signals that no usable record was available to aggregate.
// Callers recover by substituting a zero-filled series over a known range.
type NoDataError struct {
	Granularity Granularity
	Received    int
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no data to aggregate at %s granularity (%d records received)", e.Granularity, e.Received)
}

// Aggregate buckets incoming records into a dense series spanning the
// earliest to the latest bucket. Sent, chat and malformed records are
// ignored. It returns *NoDataError when nothing usable remains.
func Aggregate(records []*message.Record, g Granularity, loc *time.Location) (*Series, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("invalid granularity %q", g)
	}
	if loc == nil {
		loc = time.UTC
	}

	counts := make(map[int64]int)
	var first, last time.Time
	for _, r := range records {
		if !r.Valid() || !r.Incoming() {
			continue
		}
		b := g.Floor(r.Time(loc), loc)
		if len(counts) == 0 || b.Before(first) {
			first = b
		}
		if len(counts) == 0 || b.After(last) {
			last = b
		}
		counts[b.Unix()]++
	}
	if len(counts) == 0 {
		return nil, &NoDataError{Granularity: g, Received: len(records)}
	}

	s := ZeroFilled(g, loc, first, last)
	for i := range s.Points {
		s.Points[i].Count = counts[s.Points[i].Timestamp.Unix()]
	}
	return s, nil
}

// AggregateRange behaves like Aggregate but falls back to a zero-filled
// series over [from, to] when no usable record remains.
func AggregateRange(records []*message.Record, g Granularity, loc *time.Location, from, to time.Time) (*Series, error) {
	s, err := Aggregate(records, g, loc)
	if err == nil {
		return s, nil
	}
	var noData *NoDataError
	if !errors.As(err, &noData) {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return ZeroFilled(g, loc, from, to), nil
}
