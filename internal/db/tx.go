package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// TenantSetting is the session variable every row-security policy reads.
const TenantSetting = "app.current_tenant"

// set_config(..., true) is SET LOCAL with a bind parameter: the value dies
// with the transaction, so a pooled connection never carries it over.
const setTenantSQL = `SELECT set_config('` + TenantSetting + `', $1, true)`

// TxTimeout bounds a tenant transaction whose context has no deadline of
// its own.
const TxTimeout = 15 * time.Second

// Beginner is satisfied by *pgxpool.Pool and by pgx.Tx (savepoints).
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InTenantTx runs fn in a transaction whose app.current_tenant is the
// tenant bound to ctx. Without a bound tenant it fails with
// apperr.ErrContextMissing before touching the database.
//
// fn's error, a panic, or a failed commit rolls the transaction back. The
// transaction runs under the caller's deadline, or TxTimeout if it has none.
func InTenantTx(ctx context.Context, b Beginner, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		observ.FromContext(ctx).Error("tenant-scoped transaction without a bound tenant", zap.Error(err))
		return fmt.Errorf("tenant tx: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, TxTimeout)
		defer cancel()
	}

	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", apperr.ErrUpstreamUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, setTenantSQL, strconv.FormatInt(tc.TenantID, 10)); err != nil {
		return fmt.Errorf("set %s: %w", TenantSetting, err)
	}
	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SessionTenant reads app.current_tenant back from the transaction. An
// unset variable yields "".
func SessionTenant(ctx context.Context, tx pgx.Tx) (string, error) {
	var v *string
	if err := tx.QueryRow(ctx, `SELECT current_setting('`+TenantSetting+`', true)`).Scan(&v); err != nil {
		return "", fmt.Errorf("read %s: %w", TenantSetting, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}
