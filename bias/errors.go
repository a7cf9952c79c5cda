package bias

import (
	"errors"
	"fmt"
)

// Per-footprint and per-beam failure classes. None of them is fatal to a run.
var (
	ErrOracleFailure         = errors.New("reference elevation oracle failure")
	ErrGeoidOutOfCoverage    = errors.New("footprint outside geoid coverage")
	ErrImplausibleDifference = errors.New("implausible elevation difference")
	ErrInsufficientData      = errors.New("no valid footprints")
	ErrFitFailed             = errors.New("bias model fit failed")
)

// RejectionError reports why a footprint was excluded from the aggregate
type RejectionError struct {
	Reason error // one of the sentinel errors above
	Detail string
	Err    error // underlying cause, may be nil
}

func (e *RejectionError) Error() string {
	msg := e.Reason.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the rejection reason so callers can use errors.Is with the sentinels
func (e *RejectionError) Is(target error) bool {
	return e.Reason == target
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(reason error, err error, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// FitError is returned when the nonlinear solver cannot produce a model
type FitError struct {
	Reason      string
	Evaluations int
	Err         error
}

func (e *FitError) Error() string {
	msg := fmt.Sprintf("%s: %s after %d evaluations", ErrFitFailed, e.Reason, e.Evaluations)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FitError) Is(target error) bool {
	return target == ErrFitFailed
}

func (e *FitError) Unwrap() error {
	return e.Err
}
