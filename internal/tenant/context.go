// Package tenant owns the "current tenant" of a work unit.
//
// A work unit (an HTTP request, a job execution, a cron tick) binds exactly
// one tenant with Bind and releases it when it ends. Everything downstream
// (database transactions, cache keys, enqueued jobs) reads the tenant back
// with Current and fails with apperr.ErrContextMissing when nothing is
// bound. There is no bypass: code that needs another tenant's data binds
// that tenant in its own work unit.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/metrics"
	"github.com/lalith-99/retailcore/internal/observ"
)

// Origin says what kind of work unit bound the tenant.
type Origin string

const (
	OriginHTTP   Origin = "http"
	OriginWorker Origin = "worker"
	OriginCron   Origin = "cron"
)

// Context is the tenant identity of one work unit. It is a value; copies
// are safe to hand to goroutines that belong to the same work unit.
type Context struct {
	TenantID  int64     `json:"tenant_id"`
	UserID    int64     `json:"user_id"`
	RequestID string    `json:"request_id"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// binding is the node stored in a context.Context. Released bindings stay
// in the chain but are skipped, which restores the outer binding.
type binding struct {
	tc       Context
	parent   *binding
	released atomic.Bool
}

type scopeKey struct{}

// Scope is an active binding. Release must be called on every exit path,
// normally with defer right after Bind succeeds.
type Scope struct {
	b    *binding
	ctx  context.Context
	once sync.Once
}

// Bind installs tc as the current tenant of the returned scope's context.
// Binding inside an existing scope is only allowed for the same tenant.
func Bind(parent context.Context, tc Context) (*Scope, error) {
	if tc.TenantID <= 0 {
		return nil, fmt.Errorf("bind tenant %d: %w", tc.TenantID, apperr.ErrInvalid)
	}
	if tc.Origin == "" {
		tc.Origin = OriginHTTP
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}

	outer := live(parent)
	if outer != nil && outer.tc.TenantID != tc.TenantID {
		metrics.CrossTenantAttempts.Inc()
		observ.FromContext(parent).Warn("nested bind with a different tenant",
			zap.Int64("outer_tenant_id", outer.tc.TenantID),
			zap.Int64("inner_tenant_id", tc.TenantID),
			zap.String("request_id", tc.RequestID),
		)
		return nil, fmt.Errorf("bind tenant %d inside tenant %d: %w",
			tc.TenantID, outer.tc.TenantID, apperr.ErrCrossTenant)
	}

	b := &binding{tc: tc, parent: outer}
	logger := observ.FromContext(parent).With(
		zap.Int64("tenant_id", tc.TenantID),
		zap.String("origin", string(tc.Origin)),
	)
	ctx := observ.WithLogger(context.WithValue(parent, scopeKey{}, b), logger)
	return &Scope{b: b, ctx: ctx}, nil
}

// Context returns the context in which the tenant is bound.
func (s *Scope) Context() context.Context { return s.ctx }

// Tenant returns the bound tenant context.
func (s *Scope) Tenant() Context { return s.b.tc }

// Release ends the scope. It is safe to call more than once.
func (s *Scope) Release() {
	s.once.Do(func() { s.b.released.Store(true) })
}

// Run binds tc, calls fn inside the scope, and releases the scope whatever
// fn does, including panicking.
func Run(ctx context.Context, tc Context, fn func(ctx context.Context) error) error {
	scope, err := Bind(ctx, tc)
	if err != nil {
		return err
	}
	defer scope.Release()
	return fn(scope.Context())
}

func live(ctx context.Context) *binding {
	b, _ := ctx.Value(scopeKey{}).(*binding)
	for b != nil && b.released.Load() {
		b = b.parent
	}
	return b
}

// Current returns the tenant bound to ctx.
func Current(ctx context.Context) (Context, error) {
	b := live(ctx)
	if b == nil {
		return Context{}, apperr.ErrContextMissing
	}
	return b.tc, nil
}

// ID is a shorthand for Current(ctx).TenantID.
func ID(ctx context.Context) (int64, error) {
	tc, err := Current(ctx)
	if err != nil {
		return 0, err
	}
	return tc.TenantID, nil
}

// Owned is implemented by every record that belongs to a tenant.
type Owned interface {
	OwnerTenantID() int64
}

// AssertRecord verifies rec belongs to the current tenant. Call it before
// mutating a record loaded by id, in addition to the database policy.
func AssertRecord(ctx context.Context, rec Owned) error {
	tc, err := Current(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("assert record: nil record: %w", apperr.ErrInvalid)
	}
	if owner := rec.OwnerTenantID(); owner != tc.TenantID {
		metrics.CrossTenantAttempts.Inc()
		observ.FromContext(ctx).Warn("record belongs to another tenant",
			zap.Int64("record_tenant_id", owner),
			zap.String("request_id", tc.RequestID),
		)
		return fmt.Errorf("record of tenant %d accessed from tenant %d: %w",
			owner, tc.TenantID, apperr.ErrCrossTenant)
	}
	return nil
}
