package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// KeyScope says whose cache line a key belongs to. The fields are
// unexported: a scope only comes from ForTenant, Global, or ScopeFrom, so
// every cache call names its tenant (or explicitly opts out) at compile
// time. The zero value is rejected at run time.
type KeyScope struct {
	tenantID int64
	global   bool
}

// ForTenant scopes keys under tenant:{id}:.
func ForTenant(id int64) KeyScope { return KeyScope{tenantID: id} }

// Global scopes keys under global:. Use it only for data that is the same
// for every tenant.
func Global() KeyScope { return KeyScope{global: true} }

// ScopeFrom scopes keys to the tenant bound to ctx.
func ScopeFrom(ctx context.Context) (KeyScope, error) {
	id, err := tenant.ID(ctx)
	if err != nil {
		return KeyScope{}, err
	}
	return ForTenant(id), nil
}

func (s KeyScope) valid() bool {
	return s.global || s.tenantID > 0
}

// Prefix is the literal every key in this scope starts with.
func (s KeyScope) Prefix() string {
	if s.global {
		return "global:"
	}
	return "tenant:" + strconv.FormatInt(s.tenantID, 10) + ":"
}

func (s KeyScope) String() string {
	return strings.TrimSuffix(s.Prefix(), ":")
}

// Params are the discriminating inputs of a cached value, e.g. page and
// filters. Map keys are serialized in sorted order, so equal maps hash
// equally.
type Params map[string]any

const maxPrefixLen = 128

// Key derives the store key for (scope, prefix, params):
//
//	tenant:{id}:{prefix}:{hash}   or   global:{prefix}:{hash}
func Key(scope KeyScope, prefix string, params Params) (string, error) {
	if !scope.valid() {
		return "", fmt.Errorf("cache key for %q: zero KeyScope: %w", prefix, apperr.ErrInvalid)
	}
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	h, err := hashParams(params)
	if err != nil {
		return "", err
	}
	return scope.Prefix() + prefix + ":" + h, nil
}

func validatePrefix(prefix string) error {
	switch {
	case prefix == "", len(prefix) > maxPrefixLen:
		return fmt.Errorf("cache prefix %q: bad length: %w", prefix, apperr.ErrInvalid)
	case strings.ContainsAny(prefix, "*?[]\\ \t\r\n"):
		return fmt.Errorf("cache prefix %q: glob or space characters: %w", prefix, apperr.ErrInvalid)
	case strings.HasPrefix(prefix, ":"), strings.HasSuffix(prefix, ":"):
		return fmt.Errorf("cache prefix %q: leading or trailing separator: %w", prefix, apperr.ErrInvalid)
	case strings.Contains(prefix, "tenant:"), strings.Contains(prefix, "global:"):
		return fmt.Errorf("cache prefix %q: embeds a scope segment: %w", prefix, apperr.ErrInvalid)
	}
	return nil
}

func hashParams(params Params) (string, error) {
	if len(params) == 0 {
		return "_", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache params: %w: %w", apperr.ErrInvalid, err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}

// etag is a strong validator for an opaque value.
func etag(value []byte) string {
	return fmt.Sprintf("%q", strconv.FormatUint(xxhash.Sum64(value), 16))
}
