package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/observ"
)

// Strategy pairs a key prefix with its TTL for one kind of cached read.
// A zero TTL means the service default.
type Strategy struct {
	Prefix string
	TTL    time.Duration
}

func (st Strategy) ttl(s *Service) time.Duration {
	if st.TTL > 0 {
		return st.TTL
	}
	return s.defaultTTL
}

var (
	ProductList        = Strategy{Prefix: "products:list", TTL: 5 * time.Minute}
	ProductDetail      = Strategy{Prefix: "products:detail", TTL: 15 * time.Minute}
	CategoryTree       = Strategy{Prefix: "categories:tree", TTL: 30 * time.Minute}
	SiteConfig         = Strategy{Prefix: "site:config", TTL: 60 * time.Minute}
	UserDashboardStats = Strategy{Prefix: "dashboard:stats", TTL: 2 * time.Minute}
)

// Strategies lists every named strategy, used by cache warming.
var Strategies = []Strategy{ProductList, ProductDetail, CategoryTree, SiteConfig, UserDashboardStats}

// Lookup finds a strategy by prefix.
func Lookup(prefix string) (Strategy, bool) {
	for _, st := range Strategies {
		if st.Prefix == prefix {
			return st, true
		}
	}
	return Strategy{}, false
}

// FetchJSON reads through the cache for the tenant bound to ctx, decoding
// the cached JSON into T. load runs only on a miss.
func FetchJSON[T any](ctx context.Context, s *Service, st Strategy, params Params, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	scope, err := ScopeFrom(ctx)
	if err != nil {
		return zero, err
	}
	e, err := s.GetOrComputeEntry(ctx, scope, st.Prefix, params, st.ttl(s), ContentTypeJSON,
		func(ctx context.Context) ([]byte, error) {
			v, err := load(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(v)
		})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(e.Value, &out); err != nil {
		// A corrupt entry is dropped and the value reloaded.
		observ.FromContext(ctx).Warn("discarding undecodable cache entry",
			zap.String("prefix", st.Prefix), zap.Error(err))
		return load(ctx)
	}
	return out, nil
}

// Fetch reads through the cache for the tenant bound to ctx.
func (st Strategy) Fetch(ctx context.Context, s *Service, params Params, compute ComputeFunc) (Entry, error) {
	scope, err := ScopeFrom(ctx)
	if err != nil {
		return Entry{}, err
	}
	return s.GetOrComputeEntry(ctx, scope, st.Prefix, params, st.ttl(s), ContentTypeJSON, compute)
}

// Store writes v as JSON for the tenant bound to ctx.
func (st Strategy) Store(ctx context.Context, s *Service, params Params, v any) error {
	scope, err := ScopeFrom(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", st.Prefix, err)
	}
	return s.SetEntry(ctx, scope, st.Prefix, params, Entry{Value: b, ContentType: ContentTypeJSON}, st.ttl(s))
}

// Evict drops every entry of this strategy for the tenant bound to ctx.
func (st Strategy) Evict(ctx context.Context, s *Service) (int64, error) {
	scope, err := ScopeFrom(ctx)
	if err != nil {
		return 0, err
	}
	return s.Invalidate(ctx, scope, st.Prefix)
}
