package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalith-99/retailcore/internal/auth"
	"github.com/lalith-99/retailcore/internal/middleware"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Deps is everything the router wires into handlers.
type Deps struct {
	Logger         *zap.Logger
	Issuer         *auth.Issuer
	Resolver       *tenant.Resolver
	Auth           *AuthHandler
	Jobs           *JobHandler
	Catalog        *CatalogHandler
	Tenants        *TenantAdminHandler
	Queues         *QueueAdminHandler
	Health         map[string]HealthCheck
	AllowedOrigins []string
}

// NewRouter builds the gin engine with the full route table.
//
// Route groups carry their policy:
//
//	/healthz, /metrics, /api/auth/login, /api/tenant/bind   anonymous
//	/api/admin/*                                            platform admin
//	/api/jobs, /api/products, ...                           bound tenant
//	POST/PUT /api/products                                  tenant admin
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(d.Logger),
		middleware.AccessLog(),
		middleware.Metrics(),
		gin.Recovery(),
		middleware.CORS(d.AllowedOrigins),
	)

	r.GET("/healthz", healthz(d.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/auth/login", d.Auth.Login)
	api.POST("/tenant/bind", d.Auth.Bind)

	authed := api.Group("")
	authed.Use(middleware.Authenticate(d.Issuer))

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.POST("/tenants", d.Tenants.Create)
	admin.POST("/tenants/:id/activate", d.Tenants.Transition(models.TenantActive))
	admin.POST("/tenants/:id/suspend", d.Tenants.Transition(models.TenantSuspended))
	admin.POST("/tenants/:id/archive", d.Tenants.Transition(models.TenantArchived))
	admin.GET("/tenants/:id/jobs/pending", d.Queues.Pending)
	admin.GET("/queues", d.Queues.Stats)

	scoped := authed.Group("")
	scoped.Use(middleware.RequireTenant(d.Resolver))

	scoped.POST("/jobs", d.Jobs.Enqueue)
	scoped.GET("/jobs/:id", d.Jobs.Status)
	scoped.DELETE("/jobs/:id", d.Jobs.Cancel)
	scoped.GET("/jobs/:id/watch", d.Jobs.Watch)

	scoped.GET("/products", d.Catalog.ListProducts)
	scoped.GET("/products/:id", d.Catalog.GetProduct)
	scoped.GET("/categories", d.Catalog.Categories)
	scoped.GET("/site-config", d.Catalog.SiteConfig)
	scoped.GET("/dashboard/stats", d.Catalog.DashboardStats)

	writers := scoped.Group("")
	writers.Use(middleware.RequireTenantAdmin())
	writers.POST("/products", d.Catalog.CreateProduct)
	writers.PUT("/products/:id", d.Catalog.UpdateProduct)

	return r
}

// healthz pings every dependency in parallel. Any failure is a 503 that
// names the failing dependency but not the error text.
func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		failed := make(map[string]error, len(checks))
		var g errgroup.Group
		type outcome struct {
			name string
			err  error
		}
		out := make(chan outcome, len(checks))
		for name, check := range checks {
			name, check := name, check
			g.Go(func() error {
				out <- outcome{name: name, err: check(ctx)}
				return nil
			})
		}
		_ = g.Wait()
		close(out)
		for o := range out {
			if o.err != nil {
				results[o.name] = "down"
				failed[o.name] = o.err
				continue
			}
			results[o.name] = "ok"
		}

		status, code := "ok", http.StatusOK
		if len(failed) > 0 {
			status, code = "degraded", http.StatusServiceUnavailable
			for name, err := range failed {
				observ.FromContext(c.Request.Context()).Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			}
		}
		c.JSON(code, gin.H{"status": status, "checks": results})
	}
}
