package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/kubilitics/mailcast/internal/analytics/timeseries"
)

// ArtifactVersion is the current artifact payload version.
const ArtifactVersion = 1

// TrainingWindow describes the series an artifact was fitted on.
type TrainingWindow struct {
	Granularity timeseries.Granularity `json:"granularity"`
	Timezone    string                 `json:"timezone"`
	Start       time.Time              `json:"start"`
	End         time.Time              `json:"end"`
	Points      int                    `json:"points"`
	Total       int                    `json:"total"`
}

func windowOf(s *timeseries.Series) TrainingWindow {
	return TrainingWindow{
		Granularity: s.Granularity,
		Timezone:    s.Timezone,
		Start:       s.Start(),
		End:         s.End(),
		Points:      s.Len(),
		Total:       s.Total(),
	}
}

// Location resolves the training timezone.
func (w TrainingWindow) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Timezone)
}

// Artifact is an immutable snapshot of a fitted model.
type Artifact struct {
	Version   int              `json:"version"`
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	FittedAt  time.Time        `json:"fitted_at"`
	Training  TrainingWindow   `json:"training"`
	Seasonal  *SeasonalParams  `json:"seasonal,omitempty"`
	Smoothing *SmoothingParams `json:"smoothing,omitempty"`

	// Source and ModifiedAt are set by the loader, never persisted.
	Source     string    `json:"-"`
	ModifiedAt time.Time `json:"-"`
}

func newArtifact(kind Kind, s *timeseries.Series) *Artifact {
	return &Artifact{
		Version:  ArtifactVersion,
		ID:       uuid.NewString(),
		Kind:     kind,
		FittedAt: time.Now().UTC(),
		Training: windowOf(s),
	}
}

// WithSource returns a copy of a annotated with its storage origin.
func (a *Artifact) WithSource(location string, modifiedAt time.Time) *Artifact {
	cp := *a
	cp.Source = location
	cp.ModifiedAt = modifiedAt
	return &cp
}

// Forecast projects steps buckets beyond the end of the training window.
func (a *Artifact) Forecast(steps int) (Result, error) {
	if a == nil {
		return Result{}, ErrNotFitted
	}
	if steps <= 0 {
		return Result{}, ErrInvalidSteps
	}
	loc, err := a.Training.Location()
	if err != nil {
		return Result{}, fmt.Errorf("artifact %s: %w", a.ID, err)
	}

	var raw []float64
	switch a.Kind {
	case KindSeasonal:
		if a.Seasonal == nil {
			return Result{}, ErrNotFitted
		}
		raw = a.Seasonal.project(steps)
	case KindSmoothing:
		if a.Smoothing == nil {
			return Result{}, ErrNotFitted
		}
		raw = a.Smoothing.project(steps)
	default:
		return Result{}, fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	return buildResult(a.Kind, a.Training.End, loc, raw), nil
}

// Validate checks that the artifact carries parameters matching its kind.
func (a *Artifact) Validate() error {
	switch {
	case a == nil:
		return errors.New("artifact is nil")
	case a.Version != ArtifactVersion:
		return fmt.Errorf("unsupported artifact version %d", a.Version)
	case !a.Kind.Valid():
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	case a.Training.Points == 0:
		return errors.New("artifact has an empty training window")
	}
	if _, err := a.Training.Location(); err != nil {
		return fmt.Errorf("artifact timezone: %w", err)
	}
	switch a.Kind {
	case KindSeasonal:
		if a.Seasonal == nil {
			return errors.New("seasonal artifact without parameters")
		}
		return a.Seasonal.validate()
	default:
		if a.Smoothing == nil {
			return errors.New("smoothing artifact without parameters")
		}
		return a.Smoothing.validate()
	}
}

var (
	encoder = mustEncoder(zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder = mustDecoder()
)

// mustEncoder builds a stateless zstd encoder for EncodeAll. It panics on
// invalid options.
func mustEncoder(opts ...zstd.EOption) *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	return enc
}

// mustDecoder builds a stateless zstd decoder for DecodeAll. It panics on
// invalid options.
func mustDecoder(opts ...zstd.DOption) *zstd.Decoder {
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
	return dec
}

// Encode serializes an artifact as a zstd-compressed JSON document.
func Encode(a *Artifact) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode parses and validates an artifact produced by Encode.
func Decode(data []byte) (*Artifact, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
