package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/auth"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// Context keys for values stored in gin.Context. Handlers read them through
// the helpers below rather than with c.Get directly.
const (
	ContextKeyClaims = "claims"
	ContextKeyTenant = "tenant"
)

// Authenticate validates the bearer token and stores its claims.
//
// Both session and access tokens are accepted here; which one a route needs
// is decided by the policy middleware that follows. A request without a
// valid token never reaches a handler.
func Authenticate(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Expected format: "Bearer eyJhbGciOi..."
		header := c.GetHeader("Authorization")
		if header == "" {
			// Browsers cannot set headers on a websocket upgrade.
			if tok := c.Query("access_token"); tok != "" && c.GetHeader("Upgrade") != "" {
				header = "Bearer " + tok
			}
		}
		if header == "" {
			Abort(c, fmt.Errorf("missing authorization header: %w", apperr.ErrUnauthenticated))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			Abort(c, fmt.Errorf("expected Bearer <token>: %w", apperr.ErrUnauthenticated))
			return
		}

		claims, err := issuer.Parse(parts[1], auth.KindAccess)
		if errors.Is(err, auth.ErrWrongKind) {
			claims, err = issuer.Parse(parts[1], auth.KindSession)
		}
		if err != nil {
			Abort(c, fmt.Errorf("%w: %w", apperr.ErrUnauthenticated, err))
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAdmin lets only platform administrators through.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil || !claims.Admin {
			Abort(c, fmt.Errorf("platform admin required: %w", apperr.ErrForbidden))
			return
		}
		c.Next()
	}
}

// RequireTenant resolves the tenant for the request and binds it to the
// request context for the rest of the chain.
//
// Access tokens name their tenant, and the token always wins over headers.
// Session tokens fall back to X-Tenant-ID, X-Tenant-Code, the host name,
// or the user's only membership. Either way the resolver checks the
// membership and the tenant's status, so a suspended tenant is refused
// even with a token issued before the suspension.
//
// The binding is released when the handler chain returns.
func RequireTenant(resolver *tenant.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			Abort(c, apperr.ErrUnauthenticated)
			return
		}

		hint, err := hintFrom(c, claims)
		if err != nil {
			Abort(c, err)
			return
		}

		ctx := c.Request.Context()
		tc, err := resolver.Resolve(ctx, PrincipalOf(claims), hint)
		if err != nil {
			Abort(c, err)
			return
		}

		scope, err := tenant.Bind(ctx, tc)
		if err != nil {
			Abort(c, err)
			return
		}
		defer scope.Release()

		c.Set(ContextKeyTenant, tc)
		c.Request = c.Request.WithContext(scope.Context())
		c.Next()
	}
}

// RequireTenantAdmin must follow RequireTenant. It admits members holding
// the admin role in the bound tenant, and platform administrators.
func RequireTenantAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		tc, ok := GetTenant(c)
		if claims == nil || !ok {
			Abort(c, apperr.ErrContextMissing)
			return
		}
		if p := PrincipalOf(claims); !p.Admin && p.Role(tc.TenantID) != models.RoleAdmin {
			Abort(c, fmt.Errorf("tenant admin required: %w", apperr.ErrForbidden))
			return
		}
		c.Next()
	}
}

func hintFrom(c *gin.Context, claims *auth.Claims) (tenant.RequestHint, error) {
	if claims.Kind == auth.KindAccess {
		return tenant.RequestHint{
			TenantID:  claims.TenantID,
			Host:      c.Request.Host,
			RequestID: GetRequestID(c),
		}, nil
	}
	return SessionHint(c)
}

// SessionHint reads the tenant hints a request holding only a session
// token may carry: X-Tenant-ID, X-Tenant-Code and the host. A malformed
// X-Tenant-ID is ErrInvalid.
func SessionHint(c *gin.Context) (tenant.RequestHint, error) {
	hint := tenant.RequestHint{
		Host:      c.Request.Host,
		RequestID: GetRequestID(c),
	}
	if raw := c.GetHeader(HeaderTenantID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return hint, fmt.Errorf("%s %q: %w", HeaderTenantID, raw, apperr.ErrInvalid)
		}
		hint.TenantID = id
	}
	hint.TenantCode = strings.TrimSpace(c.GetHeader(HeaderTenantCode))
	return hint, nil
}

// PrincipalOf converts verified claims into the resolver's view of a caller.
func PrincipalOf(claims *auth.Claims) tenant.Principal {
	return tenant.Principal{
		UserID:  claims.UserID,
		Tenants: claims.TenantRoles(),
		Admin:   claims.Admin,
	}
}

func GetClaims(c *gin.Context) *auth.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, _ := val.(*auth.Claims)
	return claims
}

func GetUserID(c *gin.Context) int64 {
	if claims := GetClaims(c); claims != nil {
		return claims.UserID
	}
	return 0
}

func GetTenant(c *gin.Context) (tenant.Context, bool) {
	val, exists := c.Get(ContextKeyTenant)
	if !exists {
		return tenant.Context{}, false
	}
	tc, ok := val.(tenant.Context)
	return tc, ok
}
