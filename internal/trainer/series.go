package trainer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/kubilitics/mailcast/internal/analytics/forecast"
	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
	"github.com/kubilitics/mailcast/internal/metrics"
	"github.com/kubilitics/mailcast/internal/storage"
)

var (
	seriesEncoder = mustEncoder()
	seriesDecoder = mustDecoder()
)

func mustEncoder(opts ...zstd.EOption) *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		panic(fmt.Sprintf("zstd series encoder: %v", err))
	}
	return enc
}

func mustDecoder(opts ...zstd.DOption) *zstd.Decoder {
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		panic(fmt.Sprintf("zstd series decoder: %v", err))
	}
	return dec
}

func encodeSeries(s *timeseries.Series) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal series: %w", err)
	}
	return seriesEncoder.EncodeAll(raw, nil), nil
}

func decodeSeries(data []byte) (*timeseries.Series, error) {
	raw, err := seriesDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress series: %w", err)
	}
	var s timeseries.Series
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal series: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *Trainer) saveSeries(ctx context.Context, k forecast.Kind, s *timeseries.Series) error {
	data, err := encodeSeries(s)
	if err != nil {
		return err
	}
	if err := t.store.Write(ctx, t.opts.Locations.series(k), data); err != nil {
		return fmt.Errorf("persist %s series: %w", k, err)
	}
	return nil
}

// loadSeries reads the persisted training series of kind k, restoring
// timestamps to the series timezone.
func (t *Trainer) loadSeries(ctx context.Context, k forecast.Kind) (*timeseries.Series, error) {
	location := t.opts.Locations.series(k)
	data, err := t.store.Read(ctx, location)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("no %s training series at %s, run %s first: %w", k, location, ModeBootstrap, err)
		}
		return nil, err
	}
	s, err := decodeSeries(data)
	if err != nil {
		return nil, fmt.Errorf("%s training series: %w", k, err)
	}
	if s.Granularity != k.Granularity() {
		return nil, fmt.Errorf("%s training series has %s granularity", k, s.Granularity)
	}
	loc, err := s.Location()
	if err != nil {
		return nil, err
	}
	for i := range s.Points {
		s.Points[i].Timestamp = s.Points[i].Timestamp.In(loc)
	}
	metrics.TrainingPoints.WithLabelValues(string(k)).Set(float64(s.Len()))
	return s, nil
}

// Series returns the persisted training series of kind k.
func (t *Trainer) Series(ctx context.Context, k forecast.Kind) (*timeseries.Series, error) {
	return t.loadSeries(ctx, k)
}
