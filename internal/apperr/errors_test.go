package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"context missing", ErrContextMissing, http.StatusInternalServerError},
		{"tenant unknown", ErrTenantUnknown, http.StatusNotFound},
		{"tenant suspended", ErrTenantSuspended, http.StatusLocked},
		{"cross tenant wrapped", fmt.Errorf("bind: %w", ErrCrossTenant), http.StatusForbidden},
		{"upstream", ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{"invalid", ErrInvalid, http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := fmt.Errorf("select products: pq: relation does not exist")
	assert.Equal(t, "internal error", PublicMessage(err))

	err = fmt.Errorf("resolve tenant 7: %w", ErrTenantSuspended)
	assert.Equal(t, "tenant suspended", PublicMessage(err))

	assert.Equal(t, "internal error", PublicMessage(ErrContextMissing))
}

func TestRetryableAndPermanent(t *testing.T) {
	base := errors.New("upstream flaked")

	r := Retryable(base)
	var re *RetryableError
	assert.ErrorAs(t, r, &re)
	assert.False(t, IsPermanent(r))
	assert.ErrorIs(t, r, base)

	p := Permanent(fmt.Errorf("bad payload: %w", ErrInvalid))
	assert.True(t, IsPermanent(p))
	assert.ErrorIs(t, p, ErrInvalid)

	assert.NoError(t, Retryable(nil))
	assert.NoError(t, Permanent(nil))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("handler: %w", ErrTimeout)))
	assert.False(t, IsTimeout(context.Canceled))
}
