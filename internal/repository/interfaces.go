package repository

import (
	"context"

	"github.com/lalith-99/retailcore/internal/models"
)

// Two kinds of repositories live here.
//
//   - System repositories (tenants, users, memberships) read tables that
//     are not row-scoped. They take ids explicitly.
//   - Tenant repositories (catalog, site config) never take a tenant id.
//     They run every query through db.InTenantTx, which reads the tenant
//     bound to ctx and sets app.current_tenant; the row-security policy
//     does the filtering. Without a bound tenant they fail with
//     apperr.ErrContextMissing before reaching the database.

// TenantRepository is the tenant directory plus lifecycle changes.
type TenantRepository interface {
	// GetByID returns nil, nil if not found.
	GetByID(ctx context.Context, id int64) (*models.Tenant, error)

	// GetByCode returns nil, nil if not found.
	GetByCode(ctx context.Context, code string) (*models.Tenant, error)

	// Create inserts a tenant in the provisioning state. A duplicate code
	// fails with apperr.ErrConflict.
	Create(ctx context.Context, t *models.Tenant) (*models.Tenant, error)

	// SetStatus moves a tenant along its lifecycle. Transitions the
	// lifecycle forbids fail with apperr.ErrConflict.
	SetStatus(ctx context.Context, id int64, next models.TenantStatus) (*models.Tenant, error)
}

// UserRepository handles sign-in lookups.
type UserRepository interface {
	// GetByEmail returns nil, nil if not found.
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	GetByID(ctx context.Context, id int64) (*models.User, error)

	// Memberships lists the tenants a user may act for.
	Memberships(ctx context.Context, userID int64) ([]models.Membership, error)
}

// ProductFilter selects one page of the product list.
type ProductFilter struct {
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	CategoryID *int64 `json:"category_id,omitempty"`
	ActiveOnly bool   `json:"active_only"`
}

// Normalize clamps paging to sane bounds.
func (f ProductFilter) Normalize() ProductFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

// CatalogRepository is tenant-scoped.
type CatalogRepository interface {
	ListProducts(ctx context.Context, f ProductFilter) ([]models.Product, error)

	// GetProduct returns nil, nil if not found (or not visible to the tenant).
	GetProduct(ctx context.Context, id int64) (*models.Product, error)

	CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error)

	// UpdateProduct writes p if its Version still matches the stored row
	// and bumps the version. A stale version fails with apperr.ErrConflict.
	UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error)

	// Categories returns the flat category list ordered by position.
	Categories(ctx context.Context) ([]models.Category, error)

	// Counts returns total products, active products and categories.
	Counts(ctx context.Context) (products, active, categories int64, err error)
}

// SiteConfigRepository is tenant-scoped.
type SiteConfigRepository interface {
	// Get returns nil, nil when the tenant has no stored settings.
	Get(ctx context.Context) (*models.SiteConfig, error)
}
