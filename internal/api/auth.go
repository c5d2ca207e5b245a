package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/auth"
	"github.com/lalith-99/retailcore/internal/middleware"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/repository"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// AuthHandler serves the public endpoints that produce tokens. They do not
// go through Authenticate because the caller has no token yet.
type AuthHandler struct {
	users    repository.UserRepository
	issuer   *auth.Issuer
	resolver *tenant.Resolver
	logger   *zap.Logger
}

func NewAuthHandler(users repository.UserRepository, issuer *auth.Issuer, resolver *tenant.Resolver, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{users: users, issuer: issuer, resolver: resolver, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type membershipView struct {
	TenantID int64  `json:"tenant_id"`
	Role     string `json:"role"`
}

type loginResponse struct {
	SessionToken string           `json:"session_token"`
	Tenants      []membershipView `json:"tenants"`
}

// errBadCredentials covers both "no such user" and "wrong password" so the
// response does not reveal which emails are registered.
var errBadCredentials = fmt.Errorf("invalid email or password: %w", apperr.ErrUnauthenticated)

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	user, err := h.users.GetByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		middleware.Abort(c, fmt.Errorf("find user: %w", err))
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		middleware.Abort(c, errBadCredentials)
		return
	}

	memberships, err := h.users.Memberships(ctx, user.ID)
	if err != nil {
		middleware.Abort(c, fmt.Errorf("load memberships: %w", err))
		return
	}
	roles := make(map[int64]string, len(memberships))
	views := make([]membershipView, 0, len(memberships))
	for _, m := range memberships {
		roles[m.TenantID] = m.Role
		views = append(views, membershipView{TenantID: m.TenantID, Role: m.Role})
	}

	token, err := h.issuer.Session(user.ID, user.Email, user.IsPlatformAdmin, roles)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	h.logger.Info("user signed in", zap.Int64("user_id", user.ID), zap.Int("tenants", len(views)))
	c.JSON(http.StatusOK, loginResponse{SessionToken: token, Tenants: views})
}

type bindRequest struct {
	SessionToken string `json:"session_token" binding:"required"`
	TenantID     int64  `json:"tenant_id"`
	TenantCode   string `json:"tenant_code"`
}

type bindResponse struct {
	TenantID    int64    `json:"tenant_id"`
	Permissions []string `json:"permissions"`
	AccessToken string   `json:"access_token"`
}

// Bind handles POST /api/tenant/bind. It resolves the session's tenant
// and returns an access token pinned to it. A tenant named in the body
// replaces the header hints; otherwise the hints are the same ones
// RequireTenant reads.
func (h *AuthHandler) Bind(c *gin.Context) {
	var req bindRequest
	if !bindJSON(c, &req) {
		return
	}
	claims, err := h.issuer.Parse(req.SessionToken, auth.KindSession)
	if err != nil {
		middleware.Abort(c, fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, err))
		return
	}

	hint, err := middleware.SessionHint(c)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if req.TenantID > 0 || req.TenantCode != "" {
		hint.TenantID, hint.TenantCode = req.TenantID, strings.TrimSpace(req.TenantCode)
	}

	principal := middleware.PrincipalOf(claims)
	tc, err := h.resolver.Resolve(c.Request.Context(), principal, hint)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	access, err := h.issuer.Access(claims, tc.TenantID)
	if err != nil {
		middleware.Abort(c, err)
		return
	}

	c.JSON(http.StatusOK, bindResponse{
		TenantID:    tc.TenantID,
		Permissions: Permissions(principal.Role(tc.TenantID), principal.Admin),
		AccessToken: access,
	})
}

var rolePermissions = map[string][]string{
	models.RoleMember: {"catalog:read", "jobs:read", "jobs:write"},
	models.RoleAdmin:  {"catalog:read", "catalog:write", "jobs:read", "jobs:write"},
}

// Permissions lists what a role may do inside a tenant, sorted.
func Permissions(role string, platformAdmin bool) []string {
	perms := append([]string(nil), rolePermissions[role]...)
	if platformAdmin {
		perms = append(perms, "tenants:manage")
	}
	sort.Strings(perms)
	return perms
}
