package forecast

import (
	"errors"
	"fmt"
)

// FitReason classifies why a fit failed.
type FitReason string

const (
	ReasonInsufficient  FitReason = "insufficient_data"
	ReasonDegenerate    FitReason = "degenerate_series"
	ReasonNonConvergent FitReason = "non_convergent"
	ReasonNoCandidate   FitReason = "no_candidate"
)

// FitError reports that fitting failed. It is distinct from a fit that
// succeeded with poor quality; callers keep the previous artifact.
type FitError struct {
	Kind   Kind
	Reason FitReason
	Detail string
	Err    error
}

func (e *FitError) Error() string {
	msg := fmt.Sprintf("fit %s: %s", e.Kind, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FitError) Unwrap() error { return e.Err }

// IsFitError reports whether err is or wraps a *FitError.
func IsFitError(err error) bool {
	var fe *FitError
	return errors.As(err, &fe)
}

var (
	// ErrNotFitted is returned when forecasting from an empty artifact.
	ErrNotFitted = errors.New("model not fitted")

	// ErrInvalidSteps is returned for a non-positive forecast horizon.
	ErrInvalidSteps = errors.New("steps must be positive")

	// ErrKindMismatch is returned when an artifact is handed to the wrong forecaster.
	ErrKindMismatch = errors.New("artifact kind mismatch")
)
