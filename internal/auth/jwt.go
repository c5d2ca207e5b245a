package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "retailcore"

// Token kinds. A session token proves who you are; an access token also
// says which tenant you are acting for. Only access tokens reach tenant
// routes.
const (
	KindSession = "session"
	KindAccess  = "access"
)

var ErrWrongKind = errors.New("wrong token kind")

// Claims is the payload inside every JWT.
//
// Tenants maps tenant id (as a string, JSON object keys are strings) to
// the user's role there. It is copied from the membership table at login,
// so the bind endpoint can check access without a database round trip.
// TenantID is only set on access tokens.
type Claims struct {
	UserID   int64             `json:"uid"`
	Email    string            `json:"email"`
	Admin    bool              `json:"adm,omitempty"`
	Tenants  map[string]string `json:"tenants,omitempty"`
	TenantID int64             `json:"tid,omitempty"`
	Kind     string            `json:"kind"`
	jwt.RegisteredClaims
}

// TenantRoles converts Tenants back to numeric keys. Malformed keys are
// dropped.
func (c *Claims) TenantRoles() map[int64]string {
	out := make(map[int64]string, len(c.Tenants))
	for k, role := range c.Tenants {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = role
	}
	return out
}

// Issuer signs and verifies tokens with one HMAC secret.
type Issuer struct {
	secret     []byte
	sessionTTL time.Duration
	accessTTL  time.Duration
	now        func() time.Time
}

func NewIssuer(secret string, sessionTTL time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		accessTTL:  sessionTTL,
		now:        time.Now,
	}
}

// Session issues a session token listing the tenants the user belongs to.
func (i *Issuer) Session(userID int64, email string, admin bool, tenants map[int64]string) (string, error) {
	roles := make(map[string]string, len(tenants))
	for id, role := range tenants {
		roles[strconv.FormatInt(id, 10)] = role
	}
	return i.sign(Claims{
		UserID:  userID,
		Email:   email,
		Admin:   admin,
		Tenants: roles,
		Kind:    KindSession,
	}, i.sessionTTL)
}

// Access issues a token bound to one tenant, derived from a verified
// session. It never outlives the session.
func (i *Issuer) Access(session *Claims, tenantID int64) (string, error) {
	ttl := i.accessTTL
	if session.ExpiresAt != nil {
		if left := session.ExpiresAt.Sub(i.now()); left < ttl {
			ttl = left
		}
	}
	c := *session
	c.RegisteredClaims = jwt.RegisteredClaims{}
	c.TenantID = tenantID
	c.Kind = KindAccess
	return i.sign(c, ttl)
}

func (i *Issuer) sign(c Claims, ttl time.Duration) (string, error) {
	now := i.now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    issuer,
		Subject:   strconv.FormatInt(c.UserID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token of the given kind and returns its claims.
//
// It checks the signature, expiry, issuer, and that the signing method is
// HMAC, so a token signed with "none" or an RSA key is rejected.
func (i *Issuer) Parse(tokenString, kind string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrWrongKind, kind, claims.Kind)
	}
	return claims, nil
}

// HashPassword hashes with bcrypt's default cost. bcrypt salts each hash,
// so equal passwords hash differently.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
