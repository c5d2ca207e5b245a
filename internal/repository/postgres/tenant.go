package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/models"
)

const tenantColumns = `id, code, name, status, company_id, plan_code, created_at, updated_at`

// TenantStore reads the tenants table. It is a system table without row
// security: resolving a tenant happens before any tenant is bound.
type TenantStore struct {
	pool *pgxpool.Pool
}

func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.Name,
		&t.Status,
		&t.CompanyID,
		&t.PlanCode,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TenantStore) GetByID(ctx context.Context, id int64) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %d: %w", id, err)
	}
	return t, nil
}

func (s *TenantStore) GetByCode(ctx context.Context, code string) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %q: %w", code, err)
	}
	return t, nil
}

func (s *TenantStore) Create(ctx context.Context, in *models.Tenant) (*models.Tenant, error) {
	query := `
		INSERT INTO tenants (code, name, status, company_id, plan_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING ` + tenantColumns

	t, err := scanTenant(s.pool.QueryRow(ctx, query,
		in.Code, in.Name, models.TenantProvisioning, in.CompanyID, in.PlanCode))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("tenant code %q taken: %w", in.Code, apperr.ErrConflict)
		}
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

// SetStatus checks the transition against the current row under a row
// lock, so two admins racing on the same tenant cannot skip a state.
func (s *TenantStore) SetStatus(ctx context.Context, id int64, next models.TenantStatus) (*models.Tenant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w: %w", apperr.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var current models.TenantStatus
	err = tx.QueryRow(ctx, `SELECT status FROM tenants WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock tenant %d: %w", id, err)
	}
	if !current.CanTransitionTo(next) {
		return nil, fmt.Errorf("tenant %d: %s -> %s: %w", id, current, next, apperr.ErrConflict)
	}

	t, err := scanTenant(tx.QueryRow(ctx,
		`UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1 RETURNING `+tenantColumns,
		id, next))
	if err != nil {
		return nil, fmt.Errorf("update tenant %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
