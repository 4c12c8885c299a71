// Package domain provides the core records and canonical error taxonomy
// for the routeguard verifier.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a verifier error.
type ErrorKind string

const (
	// KindNotFound indicates a referenced agent, manifest, or root was not found.
	KindNotFound ErrorKind = "not_found"

	// KindValidation indicates untrusted input failed a deterministic check
	// (bad field, bad signature, hop depth, attack type, stake, activation delay).
	KindValidation ErrorKind = "validation"

	// KindConflict indicates the system detected the condition it exists to
	// detect (cycle, extraction loop) or a uniqueness collision.
	KindConflict ErrorKind = "conflict"

	// KindForbidden indicates a suspended, unauthorized, or rate-limited caller.
	KindForbidden ErrorKind = "forbidden"

	// KindStorage indicates the backing store failed or timed out. This is the
	// only kind callers should retry and the only kind worth alerting on.
	KindStorage ErrorKind = "storage"
)

// Error codes carried alongside the kind for machine handling.
const (
	CodeCycleDetected    = "cycle_detected"
	CodeLoopDetected     = "extraction_loop_detected"
	CodeReceiptExists    = "receipt_exists"
	CodeCommitmentExists = "commitment_exists"
	CodeRateLimited      = "rate_limited"
)

// Error is the canonical error returned by every verifier operation.
// Validation, NotFound, and Forbidden are expected outcomes of untrusted
// input and are returned as values, never logged as incidents.
type Error struct {
	// Kind is the taxonomy category.
	Kind ErrorKind `json:"code"`

	// Code is an optional machine-readable refinement of the kind.
	Code string `json:"-"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Details carries machine-readable context: the offending field,
	// the detected cycle path, retry-after guidance.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the HTTP status the transport layer should use.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		if e.Code == CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail attaches a machine-readable detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCode sets the machine-readable code refinement.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// ErrNotFound creates a not-found error for the named resource.
func ErrNotFound(resource, id string) *Error {
	return (&Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}).WithDetail("resource", resource).WithDetail("id", id)
}

// ErrValidation creates a validation error for the named field.
func ErrValidation(field, message string) *Error {
	return (&Error{
		Kind:    KindValidation,
		Message: message,
	}).WithDetail("field", field)
}

// ErrConflict creates a conflict error with a machine-readable code.
func ErrConflict(code, message string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    code,
		Message: message,
	}
}

// ErrForbidden creates a forbidden error.
func ErrForbidden(message string) *Error {
	return &Error{
		Kind:    KindForbidden,
		Message: message,
	}
}

// ErrRateLimited creates a rate-limited error with retry-after guidance.
func ErrRateLimited(retryAfterSeconds int) *Error {
	return (&Error{
		Kind:    KindForbidden,
		Code:    CodeRateLimited,
		Message: "rate limit exceeded",
	}).WithDetail("retry_after_seconds", retryAfterSeconds)
}

// ErrStorage wraps a store failure. Callers should retry with backoff.
func ErrStorage(err error) *Error {
	return &Error{
		Kind:    KindStorage,
		Message: fmt.Sprintf("storage failure: %v", err),
	}
}
