// Package frauderr defines the error taxonomy shared by the triage engine,
// action executor and HTTP surface. Handlers classify with errors.As and map
// each kind to a status code; everything unclassified is Internal.
package frauderr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure, not a concrete type.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindNotFound      Kind = "NOT_FOUND"
	KindConflict      Kind = "CONFLICT"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindStepTimeout   Kind = "STEP_TIMEOUT"
	KindStepFailure   Kind = "STEP_FAILURE"
	KindCircuitOpen   Kind = "CIRCUIT_OPEN"
	KindOTPRequired   Kind = "OTP_REQUIRED"
	KindOTPInvalid    Kind = "OTP_INVALID"
	KindPolicyBlocked Kind = "POLICY_BLOCKED"
	KindStore         Kind = "STORE"
	KindInternal      Kind = "INTERNAL"
)

// Error carries a kind plus optional caller-facing context.
type Error struct {
	Kind          Kind
	Msg           string
	Fields        []string // malformed fields, for KindValidation
	RetryAfterSec int      // for KindRateLimited
	ExistingID    string   // pointer to the conflicting resource
	BlockedBy     string   // first failing compliance check
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a bare taxonomy error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation reports malformed input with the offending fields.
func Validation(msg string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

// NotFound reports a missing alert/customer/card/txn.
func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %s not found", what, id)}
}

// Conflict reports an already-existing resource, e.g. an in-flight run.
func Conflict(msg, existingID string) *Error {
	return &Error{Kind: KindConflict, Msg: msg, ExistingID: existingID}
}

// RateLimited reports an over-limit request with the retry hint.
func RateLimited(retryAfterSec int) *Error {
	return &Error{
		Kind:          KindRateLimited,
		Msg:           "rate limit exceeded",
		RetryAfterSec: retryAfterSec,
	}
}

// PolicyBlocked reports a completed decision whose action was refused.
func PolicyBlocked(blockedBy string) *Error {
	return &Error{
		Kind:      KindPolicyBlocked,
		Msg:       "action blocked by compliance policy",
		BlockedBy: blockedBy,
	}
}

// KindOf extracts the taxonomy kind, defaulting to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code surfaced to clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindOTPRequired, KindOTPInvalid:
		return http.StatusUnprocessableEntity
	case KindPolicyBlocked:
		return http.StatusForbidden
	case KindStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
