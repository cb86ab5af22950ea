// Package rserrors defines the typed error taxonomy that the forecast
// engine, job queue and schedule model return instead of raw errors, per
// the error handling design: training failures, insufficient history and
// invariant violations are outcomes, not catastrophes.
package rserrors

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error classifications surfaced to callers or
// recorded on a queue job document.
type Kind string

const (
	InsufficientHistory         Kind = "INSUFFICIENT_HISTORY"
	NoMatchingCycle              Kind = "NO_MATCHING_CYCLE"
	WholeCaseInvariantViolation  Kind = "WHOLE_CASE_INVARIANT_VIOLATION"
	InvalidDateRange             Kind = "INVALID_DATE_RANGE"
	ExportRangeExceedsMax31Days  Kind = "EXPORT_RANGE_EXCEEDS_MAX_31_DAYS"
	DateBeforeRouteStart         Kind = "DATE_BEFORE_ROUTE_START"
	ExportDailyLimitReached      Kind = "EXPORT_DAILY_LIMIT_REACHED"
	RouteExportQueueFull         Kind = "ROUTE_EXPORT_QUEUE_FULL"
	NoArchiveDataInRange         Kind = "NO_ARCHIVE_DATA_IN_RANGE"
	ExportProcessingError        Kind = "EXPORT_PROCESSING_ERROR"
	StaleProcessingJob           Kind = "STALE_PROCESSING_JOB"
	WorkerTimeout                Kind = "WORKER_TIMEOUT"
	StorageBucketNotConfigured   Kind = "STORAGE_BUCKET_NOT_CONFIGURED"
	LockHeldElsewhere            Kind = "LOCK_HELD_ELSEWHERE"
)

// retryable mirrors the "Retryable" column of the error handling table.
var retryable = map[Kind]bool{
	InsufficientHistory:         false,
	NoMatchingCycle:             false,
	WholeCaseInvariantViolation: false,
	InvalidDateRange:            false,
	ExportRangeExceedsMax31Days: false,
	DateBeforeRouteStart:        false,
	ExportDailyLimitReached:     false,
	RouteExportQueueFull:        false,
	NoArchiveDataInRange:        false,
	ExportProcessingError:       true,
	StaleProcessingJob:          true,
	WorkerTimeout:               true,
	StorageBucketNotConfigured:  false,
	LockHeldElsewhere:           true,
}

// Retryable reports whether an error of this kind should be retried by a
// queue worker rather than moved straight to a terminal failed state.
func (k Kind) Retryable() bool {
	return retryable[k]
}

// Error is a typed error carrying a Kind, a human-readable message, and
// an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a typed error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a typed error wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *rserrors.Error from err, if present.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, otherwise
// the empty Kind.
func KindOf(err error) Kind {
	if rsErr, ok := As(err); ok {
		return rsErr.Kind
	}
	return ""
}

// Truncate shortens a message to at most n bytes, matching the job
// queue's "truncated error_message" persistence requirement.
func Truncate(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	return msg[:n]
}
