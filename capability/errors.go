package capability

import (
	"errors"
)

// Sentinel errors returned by the registry.
var (
	// ErrUnavailable is returned when no provider serves the capability an action needs.
	ErrUnavailable = errors.New("capability not configured")

	// ErrCircuitOpen is returned while a provider's circuit breaker is open.
	ErrCircuitOpen = errors.New("provider circuit open")

	// ErrUnknownAction is returned for action types the registry cannot route.
	ErrUnknownAction = errors.New("unknown action type")
)

// Error types for classifying provider errors.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and a later attempt may succeed.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ClassifyHTTPStatus wraps err according to an upstream HTTP status:
// 408, 429 and 5xx are transient, everything else is fatal.
func ClassifyHTTPStatus(status int, err error) error {
	if status == 408 || status == 429 || status >= 500 {
		return NewTransientError(err)
	}
	return NewFatalError(err)
}
