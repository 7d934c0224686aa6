// Package errs defines the orchestration error taxonomy. Components return
// *Error values so that classification survives wrapping and caching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error class.
type Code string

const (
	RateLimited            Code = "RateLimited"
	BackpressureRejected   Code = "BackpressureRejected"
	ValidationError        Code = "ValidationError"
	RetryableToolError     Code = "RetryableToolError"
	NonRetryableToolError  Code = "NonRetryableToolError"
	StuckError             Code = "StuckError"
	MaxStepsError          Code = "MaxStepsError"
	PlanValidationError    Code = "PlanValidationError"
	InvalidTransition      Code = "InvalidTransition"
	GuardFailed            Code = "GuardFailed"
	InsufficientCredits    Code = "InsufficientCredits"
	LimitExceeded          Code = "LimitExceeded"
	ReprocessLimitExceeded Code = "ReprocessLimitExceeded"
	InFlight               Code = "InFlight"
	NotFound               Code = "NotFound"
	Timeout                Code = "Timeout"
	Cancelled              Code = "Cancelled"
	Internal               Code = "Internal"
)

// Error is a classified error.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code, so errors.Is(err, errs.New(errs.NotFound, ""))
// works for any NotFound.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New creates an error whose retryability follows the code default.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: defaultRetryable(code)}
}

// Wrap classifies cause under code.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Cause = cause
	return e
}

func defaultRetryable(code Code) bool {
	switch code {
	case RateLimited, BackpressureRejected, RetryableToolError, InFlight, Timeout, Internal:
		return true
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsRetryable reports whether err should be retried. Unclassified errors are
// retryable only when they look like transient infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsTransient(err.Error())
}

// IsTransient checks whether an error message indicates a transient
// network or provider failure that will resolve on its own.
func IsTransient(msg string) bool {
	if msg == "" {
		return false
	}
	msg = strings.ToLower(msg)
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"context deadline exceeded",
	"dial tcp",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"status code 429",
	"status code 500",
	"status code 502",
	"status code 503",
	"status code 504",
	"rate limit",
	"temporarily unavailable",
	"too many requests",
}

// VersionConflictError reports an optimistic-lock loss on a run.
type VersionConflictError struct {
	RunID           string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for run %s: expected %d, got %d", e.RunID, e.ExpectedVersion, e.ActualVersion)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}
