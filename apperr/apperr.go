// Package apperr defines the error taxonomy shared by the sandbox engine,
// the agent runner and the implementation pipeline.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and user-visible reporting.
type Kind string

const (
	KindBadRequest      Kind = "bad_request"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindEnvInvalid      Kind = "env_invalid"
	KindBadGateway      Kind = "bad_gateway"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindAborted         Kind = "aborted"
	KindDBNotMigrated   Kind = "db_not_migrated"
	KindInternal        Kind = "internal"
)

// Error is the base error type for telerun.
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

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func BadRequest(format string, args ...any) *Error { return New(KindBadRequest, format, args...) }
func NotFound(format string, args ...any) *Error   { return New(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return New(KindConflict, format, args...) }
func EnvInvalid(format string, args ...any) *Error { return New(KindEnvInvalid, format, args...) }
func BadGateway(format string, args ...any) *Error { return New(KindBadGateway, format, args...) }
func Internal(format string, args ...any) *Error   { return New(KindInternal, format, args...) }

// UpstreamTimeout reports that a provider or tool exceeded its budget.
func UpstreamTimeout(format string, args ...any) *Error {
	return New(KindUpstreamTimeout, format, args...)
}

// Aborted reports a caller-cancelled operation.
func Aborted(format string, args ...any) *Error { return New(KindAborted, format, args...) }

// DBNotMigrated reports a persistence schema mismatch.
func DBNotMigrated(format string, args ...any) *Error {
	return New(KindDBNotMigrated, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, mapping bare
// context errors to upstream_timeout/aborted. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	case errors.Is(err, context.Canceled):
		return KindAborted
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromContext converts a context error into the taxonomy, or returns nil
// if ctx is still live.
func FromContext(ctx context.Context, op string) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindUpstreamTimeout, err, "%s exceeded its time budget", op)
	default:
		return Wrap(KindAborted, err, "%s cancelled", op)
	}
}

// HTTPStatus maps a kind to the status code surfaced by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBadGateway:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindAborted:
		return 499
	case KindDBNotMigrated:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
