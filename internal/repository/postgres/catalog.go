package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/db"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/repository"
	"github.com/lalith-99/retailcore/internal/tenant"
)

const productColumns = `id, tenant_id, sku, name, description, price_cents, category_id, active, version, created_at, updated_at`

// CatalogStore serves products and categories. Every query runs in
// db.InTenantTx; none of them filters by tenant_id itself, the row-security
// policy does.
type CatalogStore struct {
	db db.Beginner
}

var _ repository.CatalogRepository = (*CatalogStore)(nil)

func NewCatalogStore(b db.Beginner) *CatalogStore {
	return &CatalogStore{db: b}
}

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.SKU,
		&p.Name,
		&p.Description,
		&p.PriceCents,
		&p.CategoryID,
		&p.Active,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CatalogStore) ListProducts(ctx context.Context, f repository.ProductFilter) ([]models.Product, error) {
	f = f.Normalize()
	products := []models.Product{}
	err := db.InTenantTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+productColumns+`
			FROM products
			WHERE ($1::bigint IS NULL OR category_id = $1)
			  AND (NOT $2 OR active)
			ORDER BY name, id
			LIMIT $3 OFFSET $4`,
			f.CategoryID, f.ActiveOnly, f.PageSize, (f.Page-1)*f.PageSize)
		if err != nil {
			return fmt.Errorf("list products: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProduct(rows)
			if err != nil {
				return fmt.Errorf("scan product: %w", err)
			}
			products = append(products, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *CatalogStore) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var p *models.Product
	err := db.InTenantTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		p, err = scanProduct(tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			p = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("get product %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *CatalogStore) CreateProduct(ctx context.Context, in *models.Product) (*models.Product, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
	}
	tenantID, err := tenant.ID(ctx)
	if err != nil {
		return nil, err
	}
	var out *models.Product
	err = db.InTenantTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = scanProduct(tx.QueryRow(ctx, `
			INSERT INTO products (tenant_id, sku, name, description, price_cents, category_id, active, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now(), now())
			RETURNING `+productColumns,
			tenantID, in.SKU, in.Name, in.Description, in.PriceCents, in.CategoryID, in.Active))
		if isUniqueViolation(err) {
			return fmt.Errorf("sku %q exists: %w", in.SKU, apperr.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CatalogStore) UpdateProduct(ctx context.Context, in *models.Product) (*models.Product, error) {
	if err := tenant.AssertRecord(ctx, in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
	}
	var out *models.Product
	err := db.InTenantTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		out, err = scanProduct(tx.QueryRow(ctx, `
			UPDATE products
			SET sku = $3, name = $4, description = $5, price_cents = $6, category_id = $7,
			    active = $8, version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $2
			RETURNING `+productColumns,
			in.ID, in.Version, in.SKU, in.Name, in.Description, in.PriceCents, in.CategoryID, in.Active))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, in.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check product %d: %w", in.ID, err)
			}
			if exists {
				return fmt.Errorf("product %d version %d is stale: %w", in.ID, in.Version, apperr.ErrConflict)
			}
			return fmt.Errorf("product %d: %w", in.ID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update product %d: %w", in.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CatalogStore) Categories(ctx context.Context) ([]models.Category, error) {
	categories := []models.Category{}
	err := db.InTenantTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, parent_id, name, position
			FROM categories
			ORDER BY position, id`)
		if err != nil {
			return fmt.Errorf("list categories: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c models.Category
			if err := rows.Scan(&c.ID, &c.TenantID, &c.ParentID, &c.Name, &c.Position); err != nil {
				return fmt.Errorf("scan category: %w", err)
			}
			categories = append(categories, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *CatalogStore) Counts(ctx context.Context) (products, active, categories int64, err error) {
	err = db.InTenantTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT
				(SELECT count(*) FROM products),
				(SELECT count(*) FROM products WHERE active),
				(SELECT count(*) FROM categories)`).Scan(&products, &active, &categories)
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("catalog counts: %w", err)
	}
	return products, active, categories, nil
}
