package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies step failures.
type ErrorKind string

const (
	ErrorKindPermissionDenied ErrorKind = "permission_denied"
	// ErrorKindNetwork is a network or HTTP failure on a blocking step.
	ErrorKindNetwork ErrorKind = "network"
	// ErrorKindSync is a network or HTTP failure on a non-blocking step.
	ErrorKindSync         ErrorKind = "sync"
	ErrorKindMalformed    ErrorKind = "malformed"
	ErrorKindInFlight     ErrorKind = "in_flight"
	ErrorKindInvalidState ErrorKind = "invalid_state"
	ErrorKindInvalidInput ErrorKind = "invalid_input"
	ErrorKindUnauthorized ErrorKind = "unauthorized"
)

// Sentinel errors shared across packages.
var (
	ErrIncompleteAnalysis = errors.New("analysis result is incomplete")
	ErrNotAuthenticated   = errors.New("device is not authenticated")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrEmptyImage         = errors.New("image is empty")
)

// StepError wraps a failure with its kind and the localized alert shown to the user.
type StepError struct {
	Kind  ErrorKind
	Op    string
	Alert string
	Err   error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Blocking reports whether the failure must stop the flow from advancing.
func (e *StepError) Blocking() bool {
	return e.Kind != ErrorKindSync && e.Kind != ErrorKindMalformed
}

// NewStepError builds a StepError.
func NewStepError(kind ErrorKind, op, alert string, err error) *StepError {
	return &StepError{Kind: kind, Op: op, Alert: alert, Err: err}
}

// KindOf returns the kind of the first StepError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
