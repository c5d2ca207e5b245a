package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lalith-99/retailcore/internal/cache"
	"github.com/lalith-99/retailcore/internal/catalog"
	"github.com/lalith-99/retailcore/internal/jobs"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/repository"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// tenantCatalog answers only for the tenant bound to ctx, the way the
// database policy would.
type tenantCatalog struct {
	repository.CatalogRepository
	rows map[int64][]models.Product
}

func (c tenantCatalog) ListProducts(ctx context.Context, f repository.ProductFilter) ([]models.Product, error) {
	id, err := tenant.ID(ctx)
	if err != nil {
		return nil, err
	}
	if f.Page > 1 {
		return []models.Product{}, nil
	}
	return c.rows[id], nil
}

func (c tenantCatalog) Categories(ctx context.Context) ([]models.Category, error) {
	if _, err := tenant.ID(ctx); err != nil {
		return nil, err
	}
	return []models.Category{{ID: 1, Name: "All"}}, nil
}

func (c tenantCatalog) Counts(ctx context.Context) (int64, int64, int64, error) {
	id, err := tenant.ID(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	return int64(len(c.rows[id])), 0, 1, nil
}

type setup struct {
	queue *jobs.Queue
	cache *cache.Service
	reg   *jobs.Registry
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zaptest.NewLogger(t)
	q := jobs.NewQueue(rdb, logger)
	c := cache.New(rdb, logger)
	repo := tenantCatalog{rows: map[int64][]models.Product{
		1: {{ID: 1, TenantID: 1, SKU: "A", Name: "Anvil"}},
		2: {{ID: 2, TenantID: 2, SKU: "B", Name: "Bucket"}, {ID: 3, TenantID: 2, SKU: "C", Name: "Crate"}},
	}}
	svc := catalog.NewService(repo, nil, c, q)

	reg := jobs.NewRegistry()
	Register(reg, svc)
	return &setup{queue: q, cache: c, reg: reg}
}

func (s *setup) drain(t *testing.T) {
	t.Helper()
	w := jobs.NewWorker(s.queue, s.reg, zaptest.NewLogger(t),
		jobs.WithConcurrency(2), jobs.WithPollInterval(5*time.Millisecond), jobs.WithExitWhenIdle())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

func bound(t *testing.T, tenantID, userID int64) context.Context {
	t.Helper()
	scope, err := tenant.Bind(context.Background(), tenant.Context{TenantID: tenantID, UserID: userID})
	require.NoError(t, err)
	t.Cleanup(scope.Release)
	return scope.Context()
}

func TestCacheWarmFillsOnlyJobTenant(t *testing.T) {
	s := newSetup(t)
	ctxA := bound(t, 2, 9)

	id, err := s.queue.Enqueue(ctxA, TypeCacheWarm, CacheWarmPayload{Pages: 3})
	require.NoError(t, err)
	s.drain(t)

	job, err := s.queue.Status(ctxA, id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	assert.JSONEq(t, `{"strategies":["products:list","categories:tree"],"pages":2,"products":2}`, string(job.Result))

	params := cache.Params{"page": 1, "page_size": 20, "active_only": false}
	raw, ok, err := s.cache.Get(context.Background(), cache.ForTenant(2), cache.ProductList.Prefix, params)
	require.NoError(t, err)
	require.True(t, ok, "tenant 2 page 1 is warm")
	var got []models.Product
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got, 2)

	_, ok, err = s.cache.Get(context.Background(), cache.ForTenant(1), cache.ProductList.Prefix, params)
	require.NoError(t, err)
	assert.False(t, ok, "tenant 1 was not touched")
}

func TestCacheWarmRejectsBadPayload(t *testing.T) {
	s := newSetup(t)
	ctx := bound(t, 1, 1)

	id, err := s.queue.Enqueue(ctx, TypeCacheWarm, CacheWarmPayload{Pages: 500})
	require.NoError(t, err)
	s.drain(t)

	job, err := s.queue.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Zero(t, job.RetryCount, "invalid payloads are not retried")
}

func TestCacheWarmNamedStrategies(t *testing.T) {
	s := newSetup(t)
	ctx := bound(t, 1, 5)

	id, err := s.queue.Enqueue(ctx, TypeCacheWarm, CacheWarmPayload{
		Strategies: []string{cache.UserDashboardStats.Prefix, cache.CategoryTree.Prefix},
	})
	require.NoError(t, err)
	s.drain(t)

	job, err := s.queue.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
	var res CacheWarmResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	assert.Equal(t, []string{"dashboard:stats", "categories:tree"}, res.Strategies)
	assert.Zero(t, res.Pages)

	_, ok, err := s.cache.Get(context.Background(), cache.ForTenant(1), cache.UserDashboardStats.Prefix, cache.Params{"user": 5})
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.cache.Get(context.Background(), cache.ForTenant(1), cache.ProductList.Prefix,
		cache.Params{"page": 1, "page_size": 20, "active_only": false})
	require.NoError(t, err)
	assert.False(t, ok, "product list was not requested")
}

func TestCacheWarmRejectsUnknownStrategy(t *testing.T) {
	for _, name := range []string{"promo:banner", cache.ProductDetail.Prefix} {
		t.Run(name, func(t *testing.T) {
			s := newSetup(t)
			ctx := bound(t, 1, 1)

			id, err := s.queue.Enqueue(ctx, TypeCacheWarm, CacheWarmPayload{Strategies: []string{name}})
			require.NoError(t, err)
			s.drain(t)

			job, err := s.queue.Status(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusFailed, job.Status)
			assert.Zero(t, job.RetryCount)
			assert.Contains(t, job.Error, name)
		})
	}
}

func TestDashboardRefresh(t *testing.T) {
	s := newSetup(t)
	ctx := bound(t, 1, 77)

	id, err := s.queue.Enqueue(ctx, TypeDashboardRefresh, nil)
	require.NoError(t, err)
	s.drain(t)

	job, err := s.queue.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)

	var stats models.DashboardStats
	require.NoError(t, json.Unmarshal(job.Result, &stats))
	assert.Equal(t, int64(1), stats.TenantID)
	assert.Equal(t, int64(77), stats.UserID, "the job runs as the user who enqueued it")
	assert.Equal(t, int64(1), stats.ProductCount)

	_, ok, err := s.cache.Get(context.Background(), cache.ForTenant(1), cache.UserDashboardStats.Prefix, cache.Params{"user": 77})
	require.NoError(t, err)
	assert.True(t, ok)
}
