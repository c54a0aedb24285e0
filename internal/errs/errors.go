// Package errs implements the abstract error taxonomy of the connector
// ingestion and retrieval core: not HTTP status codes (this module exposes
// no HTTP surface of its own) but the ten propagation kinds that the sync
// engine, entities processor, and retrieval orchestrator branch on.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds.
type Kind string

const (
	KindAuth               Kind = "AuthError"
	KindRateLimited        Kind = "RateLimited"
	KindTransient          Kind = "Transient"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindPermissionDenied   Kind = "PermissionDenied"
	KindIntegrityViolation Kind = "IntegrityViolation"
	KindMessaging          Kind = "MessagingError"
	KindBlob               Kind = "BlobError"
	KindFatal              Kind = "Fatal"
)

// Error is a structured error carrying one of the abstract kinds plus
// optional structured detail, used uniformly across the core so that
// connector loops, the entities processor, and the retrieval orchestrator
// can dispatch on Kind without string matching.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the receiver for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error with a kind and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// Constructors for the kinds named in spec.md §7.

func Auth(message string, err error) *Error {
	return Wrap(KindAuth, message, err)
}

func RateLimited(bucket string) *Error {
	return New(KindRateLimited, "rate limit exceeded").WithDetail("bucket", bucket)
}

func Transient(op string, err error) *Error {
	return Wrap(KindTransient, "transient failure", err).WithDetail("op", op)
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, "resource not found").WithDetail("resource", resource).WithDetail("id", id)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func PermissionDenied(resource string) *Error {
	return New(KindPermissionDenied, "permission denied").WithDetail("resource", resource)
}

func IntegrityViolation(message string) *Error {
	return New(KindIntegrityViolation, message)
}

func Messaging(err error) *Error {
	return Wrap(KindMessaging, "broker unavailable", err)
}

func Blob(op string, err error) *Error {
	return Wrap(KindBlob, "blob operation failed", err).WithDetail("op", op)
}

func Fatal(message string, err error) *Error {
	return Wrap(KindFatal, message, err)
}

// Retryable reports whether a connector sync loop should absorb the error
// and keep progressing (spec.md §7 "Propagation"): Transient, RateLimited,
// and NotFound are absorbed; AuthError and Fatal stop the run.
func Retryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case KindTransient, KindRateLimited, KindNotFound:
		return true
	default:
		return false
	}
}

// Stops reports whether a connector sync loop must stop and surface the
// error upward.
func Stops(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return e.Kind == KindAuth || e.Kind == KindFatal
}
