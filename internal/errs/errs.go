// Package errs defines the coded error type shared across the engine.
//
// Transport and store failures are transient and retried by callers;
// protocol anomalies (Replay, KeyChangeDetected) are terminal and must be
// surfaced, never silently resolved.
package errs

import (
	"errors"
	"fmt"
)

// Error carries a classification code, a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a coded error with no cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf formats a coded error.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransient reports whether the failure is worth retrying.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTransportFailure:
		return true
	default:
		return false
	}
}
