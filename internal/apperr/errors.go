// Package apperr is the error taxonomy shared by the tenant, cache, and job
// packages and the HTTP layer.
//
// Callers compare with errors.Is against the sentinels below. The HTTP layer
// turns any error into a stable status code with HTTPStatus; the message sent
// to the client never contains the wrapped detail.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrContextMissing means tenant-scoped work was attempted without a
	// bound tenant. It is always a programmer error.
	ErrContextMissing = errors.New("tenant context missing")

	ErrTenantUnknown   = errors.New("tenant unknown")
	ErrTenantSuspended = errors.New("tenant suspended")

	// ErrCrossTenant is returned whenever a principal or a record references
	// a tenant other than the one bound to the current work unit.
	ErrCrossTenant = errors.New("cross-tenant access attempt")

	ErrNoHandler           = errors.New("no handler registered for job type")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTimeout             = errors.New("timeout")

	ErrNotFound        = errors.New("not found")
	ErrInvalid         = errors.New("invalid request")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
)

// RetryableError marks a handler failure that should go through the retry
// ladder.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable wraps err to mark it for the retry ladder. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Permanent wraps err so that IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTimeout reports whether err is a deadline expiry, either ours or the
// context package's.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error onto the status code returned to clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrContextMissing):
		return http.StatusInternalServerError
	case errors.Is(err, ErrTenantUnknown):
		return http.StatusNotFound
	case errors.Is(err, ErrTenantSuspended):
		return http.StatusLocked
	case errors.Is(err, ErrCrossTenant):
		return http.StatusForbidden
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the client-facing text for err. Unknown errors collapse to
// a generic message so internals never leak.
func PublicMessage(err error) string {
	for _, known := range []error{
		ErrTenantUnknown, ErrTenantSuspended, ErrCrossTenant,
		ErrUpstreamUnavailable, ErrNotFound, ErrInvalid,
		ErrUnauthenticated, ErrForbidden, ErrConflict,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
