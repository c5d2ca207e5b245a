// Package catalog serves the storefront reads through the tenant cache and
// keeps the cache honest on writes.
//
// Every method reads the tenant from ctx; there is no tenant argument.
// Writes invalidate cache lines only after the database commit returns.
package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/cache"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/repository"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// PendingCounter reports queued work per tenant. jobs.Queue satisfies it.
type PendingCounter interface {
	PendingCount(ctx context.Context, tenantID int64) (int64, error)
}

type Service struct {
	products repository.CatalogRepository
	sites    repository.SiteConfigRepository
	cache    *cache.Service
	jobs     PendingCounter
	now      func() time.Time
}

func NewService(products repository.CatalogRepository, sites repository.SiteConfigRepository, c *cache.Service, jobs PendingCounter) *Service {
	return &Service{products: products, sites: sites, cache: c, jobs: jobs, now: time.Now}
}

func listParams(f repository.ProductFilter) cache.Params {
	p := cache.Params{"page": f.Page, "page_size": f.PageSize, "active_only": f.ActiveOnly}
	if f.CategoryID != nil {
		p["category_id"] = *f.CategoryID
	}
	return p
}

// Products returns one page of the product list.
func (s *Service) Products(ctx context.Context, f repository.ProductFilter) ([]models.Product, error) {
	f = f.Normalize()
	return cache.FetchJSON(ctx, s.cache, cache.ProductList, listParams(f),
		func(ctx context.Context) ([]models.Product, error) {
			return s.products.ListProducts(ctx, f)
		})
}

// RefreshProducts reloads a page from the database and overwrites its
// cache line.
func (s *Service) RefreshProducts(ctx context.Context, f repository.ProductFilter) ([]models.Product, error) {
	f = f.Normalize()
	products, err := s.products.ListProducts(ctx, f)
	if err != nil {
		return nil, err
	}
	if err := cache.ProductList.Store(ctx, s.cache, listParams(f), products); err != nil {
		return nil, err
	}
	return products, nil
}

// Product returns one product or apperr.ErrNotFound. Misses are not cached.
func (s *Service) Product(ctx context.Context, id int64) (*models.Product, error) {
	return cache.FetchJSON(ctx, s.cache, cache.ProductDetail, cache.Params{"id": id},
		func(ctx context.Context) (*models.Product, error) {
			p, err := s.products.GetProduct(ctx, id)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("product %d: %w", id, apperr.ErrNotFound)
			}
			return p, nil
		})
}

func (s *Service) CreateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	created, err := s.products.CreateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	s.evict(ctx, cache.ProductList)
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, p *models.Product) (*models.Product, error) {
	updated, err := s.products.UpdateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	s.evict(ctx, cache.ProductList, cache.ProductDetail)
	return updated, nil
}

// evict drops cache lines after a committed write. A failure leaves stale
// lines until their TTL; the write itself already succeeded.
func (s *Service) evict(ctx context.Context, strategies ...cache.Strategy) {
	for _, st := range strategies {
		if _, err := st.Evict(ctx, s.cache); err != nil {
			observ.FromContext(ctx).Error("cache invalidation after write failed",
				zap.String("prefix", st.Prefix), zap.Error(err))
		}
	}
}

// CategoryTree returns the nested category tree.
func (s *Service) CategoryTree(ctx context.Context) ([]models.Category, error) {
	return cache.FetchJSON(ctx, s.cache, cache.CategoryTree, nil,
		func(ctx context.Context) ([]models.Category, error) {
			flat, err := s.products.Categories(ctx)
			if err != nil {
				return nil, err
			}
			return models.BuildCategoryTree(flat), nil
		})
}

// SiteConfig returns the raw settings document with its ETag. A tenant
// without stored settings gets an empty object.
func (s *Service) SiteConfig(ctx context.Context) (cache.Entry, error) {
	return cache.SiteConfig.Fetch(ctx, s.cache, nil, func(ctx context.Context) ([]byte, error) {
		cfg, err := s.sites.Get(ctx)
		if err != nil {
			return nil, err
		}
		if cfg == nil || len(cfg.Settings) == 0 {
			return []byte("{}"), nil
		}
		return cfg.Settings, nil
	})
}

// DashboardStats returns the summary for the user bound to ctx.
func (s *Service) DashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}
	return cache.FetchJSON(ctx, s.cache, cache.UserDashboardStats, cache.Params{"user": tc.UserID},
		s.computeDashboard)
}

// RefreshDashboard recomputes the summary and overwrites its cache line.
func (s *Service) RefreshDashboard(ctx context.Context) (*models.DashboardStats, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.computeDashboard(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.UserDashboardStats.Store(ctx, s.cache, cache.Params{"user": tc.UserID}, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Service) computeDashboard(ctx context.Context) (*models.DashboardStats, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}
	products, active, categories, err := s.products.Counts(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.jobs.PendingCount(ctx, tc.TenantID)
	if err != nil {
		return nil, err
	}
	return &models.DashboardStats{
		TenantID:       tc.TenantID,
		UserID:         tc.UserID,
		ProductCount:   products,
		ActiveProducts: active,
		CategoryCount:  categories,
		PendingJobs:    pending,
		GeneratedAt:    s.now().UTC(),
	}, nil
}
