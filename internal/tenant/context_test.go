package tenant

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/retailcore/internal/apperr"
)

type record struct{ tenantID int64 }

func (r record) OwnerTenantID() int64 { return r.tenantID }

func TestCurrentWithoutScope(t *testing.T) {
	_, err := Current(context.Background())
	assert.ErrorIs(t, err, apperr.ErrContextMissing)

	_, err = ID(context.Background())
	assert.ErrorIs(t, err, apperr.ErrContextMissing)
}

func TestBindAndRelease(t *testing.T) {
	scope, err := Bind(context.Background(), Context{TenantID: 7, UserID: 3, RequestID: "r-1"})
	require.NoError(t, err)

	tc, err := Current(scope.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(7), tc.TenantID)
	assert.Equal(t, int64(3), tc.UserID)
	assert.Equal(t, OriginHTTP, tc.Origin)
	assert.False(t, tc.CreatedAt.IsZero())

	scope.Release()
	_, err = Current(scope.Context())
	assert.ErrorIs(t, err, apperr.ErrContextMissing)

	// Second release is a no-op.
	scope.Release()
}

func TestBindRejectsInvalidTenant(t *testing.T) {
	_, err := Bind(context.Background(), Context{TenantID: 0})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestNestedBindSameTenantRestoresOuter(t *testing.T) {
	outer, err := Bind(context.Background(), Context{TenantID: 5, RequestID: "outer"})
	require.NoError(t, err)
	defer outer.Release()

	inner, err := Bind(outer.Context(), Context{TenantID: 5, RequestID: "inner"})
	require.NoError(t, err)

	tc, err := Current(inner.Context())
	require.NoError(t, err)
	assert.Equal(t, "inner", tc.RequestID)

	inner.Release()

	tc, err = Current(inner.Context())
	require.NoError(t, err)
	assert.Equal(t, "outer", tc.RequestID, "releasing the inner scope restores the outer binding")
}

func TestNestedBindDifferentTenantIsRejected(t *testing.T) {
	outer, err := Bind(context.Background(), Context{TenantID: 1})
	require.NoError(t, err)
	defer outer.Release()

	_, err = Bind(outer.Context(), Context{TenantID: 2})
	assert.ErrorIs(t, err, apperr.ErrCrossTenant)

	tc, err := Current(outer.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), tc.TenantID)
}

func TestBindAfterReleaseAllowsOtherTenant(t *testing.T) {
	a, err := Bind(context.Background(), Context{TenantID: 1})
	require.NoError(t, err)
	a.Release()

	b, err := Bind(a.Context(), Context{TenantID: 2})
	require.NoError(t, err)
	defer b.Release()

	id, err := ID(b.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestReleaseTwice(t *testing.T) {
	outer, err := Bind(context.Background(), Context{TenantID: 9})
	require.NoError(t, err)
	defer outer.Release()
	inner, err := Bind(outer.Context(), Context{TenantID: 9, RequestID: "inner"})
	require.NoError(t, err)

	inner.Release()
	inner.Release()

	tc, err := Current(inner.Context())
	require.NoError(t, err)
	assert.Empty(t, tc.RequestID)
}

func TestRunReleasesOnPanic(t *testing.T) {
	var inside context.Context
	assert.Panics(t, func() {
		_ = Run(context.Background(), Context{TenantID: 4}, func(ctx context.Context) error {
			inside = ctx
			panic("handler blew up")
		})
	})
	_, err := Current(inside)
	assert.ErrorIs(t, err, apperr.ErrContextMissing)
}

func TestAssertRecord(t *testing.T) {
	err := AssertRecord(context.Background(), record{tenantID: 1})
	assert.ErrorIs(t, err, apperr.ErrContextMissing)

	err = Run(context.Background(), Context{TenantID: 1}, func(ctx context.Context) error {
		require.NoError(t, AssertRecord(ctx, record{tenantID: 1}))
		return AssertRecord(ctx, record{tenantID: 2})
	})
	assert.ErrorIs(t, err, apperr.ErrCrossTenant)
}

func TestScopesAreIsolatedAcrossGoroutines(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			errs <- Run(context.Background(), Context{TenantID: id}, func(ctx context.Context) error {
				got, err := ID(ctx)
				if err != nil {
					return err
				}
				if got != id {
					return apperr.ErrCrossTenant
				}
				return nil
			})
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
