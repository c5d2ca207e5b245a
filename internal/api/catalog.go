package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/catalog"
	"github.com/lalith-99/retailcore/internal/middleware"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/repository"
)

// CatalogHandler serves the storefront reads and the back-office product
// writes. All of it is tenant-scoped through the bound request context.
type CatalogHandler struct {
	svc *catalog.Service
}

func NewCatalogHandler(svc *catalog.Service) *CatalogHandler {
	return &CatalogHandler{svc: svc}
}

// ListProducts handles GET /api/products?page=&page_size=&category_id=&active=.
func (h *CatalogHandler) ListProducts(c *gin.Context) {
	f, err := productFilter(c)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	products, err := h.svc.Products(c.Request.Context(), f)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if products == nil {
		products = []models.Product{}
	}
	c.JSON(http.StatusOK, products)
}

func productFilter(c *gin.Context) (repository.ProductFilter, error) {
	var f repository.ProductFilter
	for name, dst := range map[string]*int{"page": &f.Page, "page_size": &f.PageSize} {
		if raw := c.Query(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return f, fmt.Errorf("%s %q: %w", name, raw, apperr.ErrInvalid)
			}
			*dst = n
		}
	}
	if raw := c.Query("category_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("category_id %q: %w", raw, apperr.ErrInvalid)
		}
		f.CategoryID = &id
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("active %q: %w", raw, apperr.ErrInvalid)
		}
		f.ActiveOnly = active
	}
	return f.Normalize(), nil
}

// GetProduct handles GET /api/products/:id.
func (h *CatalogHandler) GetProduct(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	p, err := h.svc.Product(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// productRequest is the writable part of a product. Id, tenant and
// timestamps are never taken from the client.
type productRequest struct {
	SKU         string `json:"sku" binding:"required,max=64"`
	Name        string `json:"name" binding:"required,max=200"`
	Description string `json:"description" binding:"max=4000"`
	PriceCents  int64  `json:"price_cents" binding:"gte=0"`
	CategoryID  *int64 `json:"category_id"`
	Active      *bool  `json:"active"`
	Version     int32  `json:"version"`
}

func (r productRequest) product() *models.Product {
	p := &models.Product{
		SKU:         r.SKU,
		Name:        r.Name,
		Description: r.Description,
		PriceCents:  r.PriceCents,
		CategoryID:  r.CategoryID,
		Active:      true,
		Version:     r.Version,
	}
	if r.Active != nil {
		p.Active = *r.Active
	}
	return p
}

// CreateProduct handles POST /api/products.
func (h *CatalogHandler) CreateProduct(c *gin.Context) {
	var req productRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.svc.CreateProduct(c.Request.Context(), req.product())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// UpdateProduct handles PUT /api/products/:id. The body must carry the
// version the client read; a stale version is a 409.
func (h *CatalogHandler) UpdateProduct(c *gin.Context) {
	id, ok := int64Param(c, "id")
	if !ok {
		return
	}
	var req productRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Version <= 0 {
		middleware.Abort(c, fmt.Errorf("version is required: %w", apperr.ErrInvalid))
		return
	}
	tc, _ := middleware.GetTenant(c)
	in := req.product()
	in.ID = id
	in.TenantID = tc.TenantID
	p, err := h.svc.UpdateProduct(c.Request.Context(), in)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Categories handles GET /api/categories.
func (h *CatalogHandler) Categories(c *gin.Context) {
	tree, err := h.svc.CategoryTree(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// SiteConfig handles GET /api/site-config. The cached entry's ETag makes
// conditional requests cheap.
func (h *CatalogHandler) SiteConfig(c *gin.Context) {
	entry, err := h.svc.SiteConfig(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if entry.ETag != "" {
		c.Header("ETag", entry.ETag)
		if c.GetHeader("If-None-Match") == entry.ETag {
			c.Status(http.StatusNotModified)
			return
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", entry.Value)
}

// DashboardStats handles GET /api/dashboard/stats.
func (h *CatalogHandler) DashboardStats(c *gin.Context) {
	stats, err := h.svc.DashboardStats(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
