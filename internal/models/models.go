package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// TenantStatus is the lifecycle state of a tenant.
//
//	provisioning -> active <-> suspended
//	any          -> archived (terminal)
//
// Only active tenants accept requests. Suspended and archived tenants keep
// their rows; RLS still scopes them, nothing can reach them.
type TenantStatus string

const (
	TenantProvisioning TenantStatus = "provisioning"
	TenantActive       TenantStatus = "active"
	TenantSuspended    TenantStatus = "suspended"
	TenantArchived     TenantStatus = "archived"
)

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (s TenantStatus) CanTransitionTo(next TenantStatus) bool {
	switch s {
	case TenantProvisioning:
		return next == TenantActive || next == TenantArchived
	case TenantActive:
		return next == TenantSuspended || next == TenantArchived
	case TenantSuspended:
		return next == TenantActive || next == TenantArchived
	default:
		return false
	}
}

// Tenant is the isolation unit. ID and Code never change after creation.
type Tenant struct {
	ID        int64        `json:"id"`
	Code      string       `json:"code" validate:"required,min=2,max=32,tenantcode"`
	Name      string       `json:"name" validate:"required,max=200"`
	Status    TenantStatus `json:"status" validate:"required,oneof=provisioning active suspended archived"`
	CompanyID *int64       `json:"company_id,omitempty"`
	PlanCode  string       `json:"plan_code" validate:"max=64"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// OwnerTenantID lets a Tenant be checked with tenant.AssertRecord.
func (t *Tenant) OwnerTenantID() int64 { return t.ID }

func (t *Tenant) Active() bool { return t.Status == TenantActive }

func (t *Tenant) Validate() error {
	return validate.Struct(t)
}

// User is a person who can sign in. Users are global; which tenants they
// may act for is recorded in Membership rows.
type User struct {
	ID              int64     `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name"`
	PasswordHash    string    `json:"-"`
	IsPlatformAdmin bool      `json:"is_platform_admin"`
	CreatedAt       time.Time `json:"created_at"`
}

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Membership grants a user access to one tenant with a role.
type Membership struct {
	UserID   int64  `json:"user_id"`
	TenantID int64  `json:"tenant_id"`
	Role     string `json:"role"`
}

// Product is a tenant-scoped catalog row. Version backs optimistic updates.
type Product struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	SKU         string    `json:"sku" validate:"required,max=64"`
	Name        string    `json:"name" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=4000"`
	PriceCents  int64     `json:"price_cents" validate:"gte=0"`
	CategoryID  *int64    `json:"category_id,omitempty"`
	Active      bool      `json:"active"`
	Version     int32     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p *Product) OwnerTenantID() int64 { return p.TenantID }

func (p *Product) Validate() error {
	return validate.Struct(p)
}

// Category is a node of the per-tenant category tree.
type Category struct {
	ID       int64      `json:"id"`
	TenantID int64      `json:"tenant_id"`
	ParentID *int64     `json:"parent_id,omitempty"`
	Name     string     `json:"name"`
	Position int        `json:"position"`
	Children []Category `json:"children,omitempty"`
}

func (c *Category) OwnerTenantID() int64 { return c.TenantID }

// BuildCategoryTree nests a flat, position-ordered list under its parents.
// Rows whose parent is missing become roots.
func BuildCategoryTree(flat []Category) []Category {
	children := make(map[int64][]Category)
	present := make(map[int64]bool, len(flat))
	for _, c := range flat {
		present[c.ID] = true
	}
	var roots []Category
	for _, c := range flat {
		if c.ParentID != nil && present[*c.ParentID] {
			children[*c.ParentID] = append(children[*c.ParentID], c)
			continue
		}
		roots = append(roots, c)
	}
	var attach func(nodes []Category) []Category
	attach = func(nodes []Category) []Category {
		for i := range nodes {
			nodes[i].Children = attach(children[nodes[i].ID])
		}
		return nodes
	}
	if roots == nil {
		return []Category{}
	}
	return attach(roots)
}

// SiteConfig holds the storefront settings of one tenant.
type SiteConfig struct {
	TenantID  int64           `json:"tenant_id"`
	Settings  json.RawMessage `json:"settings"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *SiteConfig) OwnerTenantID() int64 { return s.TenantID }

// DashboardStats is the per-user back-office summary.
type DashboardStats struct {
	TenantID       int64     `json:"tenant_id"`
	UserID         int64     `json:"user_id"`
	ProductCount   int64     `json:"product_count"`
	ActiveProducts int64     `json:"active_products"`
	CategoryCount  int64     `json:"category_count"`
	PendingJobs    int64     `json:"pending_jobs"`
	GeneratedAt    time.Time `json:"generated_at"`
}

var (
	validate       = validator.New()
	tenantCodeExpr = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

func init() {
	if err := validate.RegisterValidation("tenantcode", func(fl validator.FieldLevel) bool {
		return tenantCodeExpr.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register tenantcode validation: %v", err))
	}
}
