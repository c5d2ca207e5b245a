// Package tasks holds the job handlers registered at worker startup.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/cache"
	"github.com/lalith-99/retailcore/internal/catalog"
	"github.com/lalith-99/retailcore/internal/jobs"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/repository"
)

const (
	TypeCacheWarm        = "cache.warm"
	TypeDashboardRefresh = "dashboard.refresh"

	maxWarmPages = 50
)

// CacheWarmPayload says which caches to preload. Strategies name cache
// prefixes; empty means the product list and the category tree.
type CacheWarmPayload struct {
	Strategies []string `json:"strategies,omitempty"`
	Pages      int      `json:"pages,omitempty"`
	PageSize   int      `json:"page_size,omitempty"`
	CategoryID *int64   `json:"category_id,omitempty"`
}

// CacheWarmResult is stored on a completed cache.warm job.
type CacheWarmResult struct {
	Strategies []string `json:"strategies"`
	Pages      int      `json:"pages"`
	Products   int      `json:"products"`
}

var defaultWarm = []string{cache.ProductList.Prefix, cache.CategoryTree.Prefix}

// Register adds every handler to reg.
func Register(reg *jobs.Registry, svc *catalog.Service) {
	reg.Register(TypeCacheWarm, cacheWarm(svc), jobs.WithTimeout(2*time.Minute))
	reg.Register(TypeDashboardRefresh, dashboardRefresh(svc), jobs.WithTimeout(30*time.Second))
}

// warmStrategies validates the requested prefixes. Per-product detail
// entries are filled on demand and cannot be warmed.
func warmStrategies(names []string) ([]cache.Strategy, error) {
	if len(names) == 0 {
		names = defaultWarm
	}
	out := make([]cache.Strategy, 0, len(names))
	for _, name := range names {
		st, ok := cache.Lookup(name)
		if !ok || st.Prefix == cache.ProductDetail.Prefix {
			return nil, apperr.Permanent(fmt.Errorf("cannot warm %q: %w", name, apperr.ErrInvalid))
		}
		out = append(out, st)
	}
	return out, nil
}

func cacheWarm(svc *catalog.Service) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
		p := CacheWarmPayload{Pages: 1}
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		if p.Pages < 1 || p.Pages > maxWarmPages {
			return nil, apperr.Permanent(fmt.Errorf("pages must be 1-%d, got %d: %w", maxWarmPages, p.Pages, apperr.ErrInvalid))
		}
		strategies, err := warmStrategies(p.Strategies)
		if err != nil {
			return nil, err
		}

		res := CacheWarmResult{Strategies: make([]string, 0, len(strategies))}
		for _, st := range strategies {
			switch st.Prefix {
			case cache.ProductList.Prefix:
				if err := warmProducts(ctx, svc, p, &res); err != nil {
					return nil, err
				}
			case cache.CategoryTree.Prefix:
				_, err = svc.CategoryTree(ctx)
			case cache.SiteConfig.Prefix:
				_, err = svc.SiteConfig(ctx)
			case cache.UserDashboardStats.Prefix:
				_, err = svc.RefreshDashboard(ctx)
			}
			if err != nil {
				return nil, fmt.Errorf("warm %s: %w", st.Prefix, err)
			}
			res.Strategies = append(res.Strategies, st.Prefix)
		}
		observ.FromContext(ctx).Info("cache warmed",
			zap.Strings("strategies", res.Strategies), zap.Int("pages", res.Pages), zap.Int("products", res.Products))
		return json.Marshal(res)
	}
}

func warmProducts(ctx context.Context, svc *catalog.Service, p CacheWarmPayload, res *CacheWarmResult) error {
	for page := 1; page <= p.Pages; page++ {
		rows, err := svc.RefreshProducts(ctx, repository.ProductFilter{
			Page: page, PageSize: p.PageSize, CategoryID: p.CategoryID,
		})
		if err != nil {
			return fmt.Errorf("warm page %d: %w", page, err)
		}
		res.Pages++
		res.Products += len(rows)
		if len(rows) == 0 {
			break
		}
	}
	return nil
}

func dashboardRefresh(svc *catalog.Service) jobs.Handler {
	return func(ctx context.Context, _ *jobs.Job) (json.RawMessage, error) {
		stats, err := svc.RefreshDashboard(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	}
}
