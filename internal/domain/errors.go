// Package domain defines core types, ports, and errors for the statement gateway.
package domain

import (
	"fmt"
	"time"
)

// NotFoundError indicates an unknown or expired query.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid client input (malformed filter,
// malformed rewritten URI, bad token). Surfaced as 400 Bad Request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate query id).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// AdmissionRejectedError is returned by non-blocking admission when no token
// is available. The client should retry.
type AdmissionRejectedError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *AdmissionRejectedError) Error() string { return e.Message }

// AdmissionTimeoutError is returned by blocking admission when the wait for a
// token would exceed the caller's timeout. The client should retry.
type AdmissionTimeoutError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *AdmissionTimeoutError) Error() string { return e.Message }

// TransitionError reports an illegal lifecycle transition. It is an internal
// consistency fault and is never shown raw to clients.
type TransitionError struct {
	QueryID string
	From    QueryState
	To      QueryState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("query %s: illegal state transition %s -> %s", e.QueryID, e.From, e.To)
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrAdmissionRejected creates an AdmissionRejectedError.
func ErrAdmissionRejected(retryAfter time.Duration) *AdmissionRejectedError {
	return &AdmissionRejectedError{Message: "admission rejected: no capacity, retry later", RetryAfter: retryAfter}
}

// ErrAdmissionTimeout creates an AdmissionTimeoutError.
func ErrAdmissionTimeout(waited time.Duration, retryAfter time.Duration) *AdmissionTimeoutError {
	return &AdmissionTimeoutError{
		Message:    fmt.Sprintf("admission timed out after %s, retry later", waited),
		RetryAfter: retryAfter,
	}
}
