package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/jobs"
	"github.com/lalith-99/retailcore/internal/middleware"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/repository"
)

// Forgetter drops a tenant from an in-process directory cache.
// tenant.CachedDirectory satisfies it.
type Forgetter interface {
	Forget(id int64)
}

// TenantAdminHandler serves the platform-admin tenant lifecycle endpoints.
type TenantAdminHandler struct {
	tenants repository.TenantRepository
	dir     Forgetter
}

func NewTenantAdminHandler(tenants repository.TenantRepository, dir Forgetter) *TenantAdminHandler {
	return &TenantAdminHandler{tenants: tenants, dir: dir}
}

type createTenantRequest struct {
	Code      string `json:"code" binding:"required"`
	Name      string `json:"name" binding:"required"`
	PlanCode  string `json:"plan_code"`
	CompanyID *int64 `json:"company_id"`
}

// Create handles POST /api/admin/tenants. The tenant is inserted as
// provisioning and then activated.
func (h *TenantAdminHandler) Create(c *gin.Context) {
	var req createTenantRequest
	if !bindJSON(c, &req) {
		return
	}
	in := &models.Tenant{
		Code:      strings.ToLower(strings.TrimSpace(req.Code)),
		Name:      strings.TrimSpace(req.Name),
		Status:    models.TenantProvisioning,
		PlanCode:  req.PlanCode,
		CompanyID: req.CompanyID,
	}
	if err := in.Validate(); err != nil {
		middleware.Abort(c, fmt.Errorf("%w: %w", apperr.ErrInvalid, err))
		return
	}

	ctx := c.Request.Context()
	created, err := h.tenants.Create(ctx, in)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	active, err := h.tenants.SetStatus(ctx, created.ID, models.TenantActive)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	observ.FromContext(ctx).Info("tenant created",
		zap.Int64("tenant_id", active.ID), zap.String("code", active.Code),
		zap.Int64("by_user", middleware.GetUserID(c)))
	c.JSON(http.StatusCreated, active)
}

// Transition returns the handler for POST /api/admin/tenants/:id/<action>.
func (h *TenantAdminHandler) Transition(next models.TenantStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := int64Param(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		t, err := h.tenants.SetStatus(ctx, id, next)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		// Other processes notice within the directory TTL.
		h.dir.Forget(id)

		observ.FromContext(ctx).Info("tenant status changed",
			zap.Int64("tenant_id", id), zap.String("status", string(next)),
			zap.Int64("by_user", middleware.GetUserID(c)))
		c.JSON(http.StatusOK, t)
	}
}

// QueueInspector is the read-only part of jobs.Queue behind the admin
// queue endpoints.
type QueueInspector interface {
	Queues(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, queue string) (map[string]int64, error)
	PendingCount(ctx context.Context, tenantID int64) (int64, error)
}

var _ QueueInspector = (*jobs.Queue)(nil)

// QueueAdminHandler serves the platform-admin queue endpoints.
type QueueAdminHandler struct {
	queue QueueInspector
}

func NewQueueAdminHandler(queue QueueInspector) *QueueAdminHandler {
	return &QueueAdminHandler{queue: queue}
}

// Stats handles GET /api/admin/queues.
func (h *QueueAdminHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	names, err := h.queue.Queues(ctx)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	sort.Strings(names)
	out := make(map[string]map[string]int64, len(names))
	for _, name := range names {
		stats, err := h.queue.Stats(ctx, name)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		out[name] = stats
	}
	c.JSON(http.StatusOK, gin.H{"queues": out})
}

// Pending handles GET /api/admin/tenants/:id/jobs/pending.
func (h *QueueAdminHandler) Pending(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	n, err := h.queue.PendingCount(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": id, "pending": n})
}
