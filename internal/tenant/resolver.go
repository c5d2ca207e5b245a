package tenant

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/metrics"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/observ"
)

// Principal is an authenticated caller and the tenants it may act for.
// Platform admins (Admin) may enter any tenant; each entry outside their
// own memberships is logged.
type Principal struct {
	UserID  int64
	Tenants map[int64]string // tenant id -> role
	Admin   bool
}

// Allows reports whether tenantID is one of the principal's memberships.
func (p Principal) Allows(tenantID int64) bool {
	_, ok := p.Tenants[tenantID]
	return ok
}

// Role is the principal's role in tenantID, "" for non-members.
func (p Principal) Role(tenantID int64) string {
	return p.Tenants[tenantID]
}

// RequestHint carries whatever the request says about its tenant.
type RequestHint struct {
	TenantID   int64
	TenantCode string
	Host       string
	RequestID  string
}

// Directory looks tenants up. Implementations return nil, nil when the
// tenant does not exist.
type Directory interface {
	GetByID(ctx context.Context, id int64) (*models.Tenant, error)
	GetByCode(ctx context.Context, code string) (*models.Tenant, error)
}

// Resolver turns a principal plus request hints into a tenant Context.
type Resolver struct {
	dir        Directory
	baseDomain string
	now        func() time.Time
}

// NewResolver builds a Resolver. baseDomain enables host-based resolution:
// with "shop.example.com", a request to "acme.shop.example.com" asks for the
// tenant coded "acme". Leave it empty to disable.
func NewResolver(dir Directory, baseDomain string) *Resolver {
	return &Resolver{
		dir:        dir,
		baseDomain: strings.ToLower(strings.TrimPrefix(baseDomain, ".")),
		now:        time.Now,
	}
}

// Resolve picks the tenant in this order: explicit id, code, host
// subdomain, the principal's only membership. A platform admin must name
// the tenant when it is not one of their memberships.
func (r *Resolver) Resolve(ctx context.Context, p Principal, h RequestHint) (Context, error) {
	var (
		t   *models.Tenant
		err error
	)

	switch code := r.codeFromHint(h); {
	case h.TenantID > 0:
		if !p.Allows(h.TenantID) && !p.Admin {
			return Context{}, r.crossTenant(ctx, p, h.TenantID, h.RequestID)
		}
		t, err = r.dir.GetByID(ctx, h.TenantID)
	case code != "":
		t, err = r.dir.GetByCode(ctx, code)
	case len(p.Tenants) == 1:
		for id := range p.Tenants {
			t, err = r.dir.GetByID(ctx, id)
		}
	default:
		return Context{}, fmt.Errorf("no tenant in request: %w", apperr.ErrTenantUnknown)
	}
	if err != nil {
		return Context{}, fmt.Errorf("lookup tenant: %w: %w", apperr.ErrUpstreamUnavailable, err)
	}
	if t == nil {
		return Context{}, apperr.ErrTenantUnknown
	}
	if !p.Allows(t.ID) && !p.Admin {
		return Context{}, r.crossTenant(ctx, p, t.ID, h.RequestID)
	}
	if !t.Active() {
		return Context{}, fmt.Errorf("tenant %s is %s: %w", t.Code, t.Status, apperr.ErrTenantSuspended)
	}
	if !p.Allows(t.ID) {
		observ.FromContext(ctx).Warn("platform admin entered a tenant outside their memberships",
			zap.Int64("user_id", p.UserID),
			zap.Int64("tenant_id", t.ID),
			zap.String("tenant_code", t.Code),
			zap.String("request_id", h.RequestID),
		)
	}

	return Context{
		TenantID:  t.ID,
		UserID:    p.UserID,
		RequestID: h.RequestID,
		Origin:    OriginHTTP,
		CreatedAt: r.now().UTC(),
	}, nil
}

func (r *Resolver) codeFromHint(h RequestHint) string {
	if h.TenantCode != "" {
		return strings.ToLower(h.TenantCode)
	}
	if r.baseDomain == "" || h.Host == "" {
		return ""
	}
	host := strings.ToLower(h.Host)
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}
	sub, ok := strings.CutSuffix(host, "."+r.baseDomain)
	if !ok || sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

func (r *Resolver) crossTenant(ctx context.Context, p Principal, tenantID int64, requestID string) error {
	metrics.CrossTenantAttempts.Inc()
	observ.FromContext(ctx).Warn("principal referenced a tenant outside its memberships",
		zap.Int64("user_id", p.UserID),
		zap.Int64("tenant_id", tenantID),
		zap.String("request_id", requestID),
	)
	return fmt.Errorf("user %d is not a member of tenant %d: %w", p.UserID, tenantID, apperr.ErrCrossTenant)
}
