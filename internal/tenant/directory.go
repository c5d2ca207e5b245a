package tenant

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/lalith-99/retailcore/internal/metrics"
	"github.com/lalith-99/retailcore/internal/models"
)

// DefaultDirectoryTTL bounds how long a suspension can go unnoticed by a
// process that did not perform it.
const DefaultDirectoryTTL = 30 * time.Second

// CachedDirectory keeps recently resolved tenants in process memory so the
// resolver does not hit the database on every request.
type CachedDirectory struct {
	next  Directory
	byID  *ttlcache.Cache[int64, *models.Tenant]
	codes *ttlcache.Cache[string, int64]
}

var _ Directory = (*CachedDirectory)(nil)

func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultDirectoryTTL
	}
	return &CachedDirectory{
		next: next,
		byID: ttlcache.New[int64, *models.Tenant](
			ttlcache.WithTTL[int64, *models.Tenant](ttl),
			ttlcache.WithCapacity[int64, *models.Tenant](10_000),
			ttlcache.WithDisableTouchOnHit[int64, *models.Tenant](),
		),
		codes: ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](ttl),
			ttlcache.WithCapacity[string, int64](10_000),
			ttlcache.WithDisableTouchOnHit[string, int64](),
		),
	}
}

func (d *CachedDirectory) GetByID(ctx context.Context, id int64) (*models.Tenant, error) {
	if item := d.byID.Get(id); item != nil {
		metrics.TenantLookups.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}
	t, err := d.next.GetByID(ctx, id)
	if err != nil {
		metrics.TenantLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TenantLookups.WithLabelValues("load").Inc()
	d.remember(t)
	return t, nil
}

func (d *CachedDirectory) GetByCode(ctx context.Context, code string) (*models.Tenant, error) {
	if item := d.codes.Get(code); item != nil {
		return d.GetByID(ctx, item.Value())
	}
	t, err := d.next.GetByCode(ctx, code)
	if err != nil {
		metrics.TenantLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TenantLookups.WithLabelValues("load").Inc()
	d.remember(t)
	return t, nil
}

// Forget drops a tenant after a lifecycle change made by this process.
func (d *CachedDirectory) Forget(id int64) {
	if item := d.byID.Get(id); item != nil {
		d.codes.Delete(item.Value().Code)
	}
	d.byID.Delete(id)
}

func (d *CachedDirectory) remember(t *models.Tenant) {
	if t == nil {
		return
	}
	d.byID.Set(t.ID, t, ttlcache.DefaultTTL)
	d.codes.Set(t.Code, t.ID, ttlcache.DefaultTTL)
}
