// Package cache is the tenant-scoped read-through cache in front of
// Postgres.
//
// Keys always carry their scope (see Key), values are opaque bytes with a
// content type and an ETag, and every entry has a TTL. The store may evict
// anything at any time; callers treat a miss as normal.
//
// A store outage never fails a request: reads degrade to misses and writes
// are retried once and then dropped with a warning. Invalidation is the
// exception and returns its error, because a failed invalidation leaves
// stale data behind.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/metrics"
	"github.com/lalith-99/retailcore/internal/observ"
	"github.com/lalith-99/retailcore/internal/tenant"
)

const (
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeJSON        = "application/json"

	// MaxInvalidateKeys bounds a single wildcard delete.
	MaxInvalidateKeys = 10_000
)

// Entry is one cached value.
type Entry struct {
	Value       []byte
	ContentType string
	ETag        string
}

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

type Service struct {
	rdb    redis.UniversalClient
	locker *redislock.Client
	flight singleflight.Group
	logger *zap.Logger

	computeWait    time.Duration
	computeTimeout time.Duration
	lockTTL        time.Duration
	peerPoll       time.Duration
	opTimeout      time.Duration
	retryDelay     time.Duration
	defaultTTL     time.Duration
}

type Option func(*Service)

// WithComputeWait bounds how long a caller waits for someone else's
// computation before computing on its own.
func WithComputeWait(d time.Duration) Option {
	return func(s *Service) { s.computeWait = d }
}

// WithComputeTimeout bounds a shared computation. It is detached from the
// caller's cancellation because other callers may be waiting on it.
func WithComputeTimeout(d time.Duration) Option {
	return func(s *Service) { s.computeTimeout = d }
}

// WithDefaultTTL sets the TTL used by strategies that do not name one.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Service) { s.defaultTTL = d }
}

// WithOpTimeout sets the deadline of each store round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) { s.opTimeout = d }
}

func New(rdb redis.UniversalClient, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		rdb:            rdb,
		locker:         redislock.New(rdb),
		logger:         logger.With(zap.String("component", "cache")),
		computeWait:    5 * time.Second,
		computeTimeout: 30 * time.Second,
		lockTTL:        30 * time.Second,
		peerPoll:       50 * time.Millisecond,
		opTimeout:      time.Second,
		retryDelay:     25 * time.Millisecond,
		defaultTTL:     5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lockTTL < s.computeTimeout {
		s.lockTTL = s.computeTimeout
	}
	return s
}

// Get returns the cached bytes. err is only non-nil for invalid arguments;
// store failures are reported as a miss.
func (s *Service) Get(ctx context.Context, scope KeyScope, prefix string, params Params) ([]byte, bool, error) {
	e, ok, err := s.GetEntry(ctx, scope, prefix, params)
	return e.Value, ok, err
}

func (s *Service) GetEntry(ctx context.Context, scope KeyScope, prefix string, params Params) (Entry, bool, error) {
	key, err := Key(scope, prefix, params)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := s.read(ctx, key)
	s.count(prefix, ok)
	return e, ok, nil
}

// Set stores value under a mandatory positive ttl.
func (s *Service) Set(ctx context.Context, scope KeyScope, prefix string, params Params, value []byte, ttl time.Duration) error {
	return s.SetEntry(ctx, scope, prefix, params, Entry{Value: value}, ttl)
}

func (s *Service) SetEntry(ctx context.Context, scope KeyScope, prefix string, params Params, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set %q: ttl must be positive: %w", prefix, apperr.ErrInvalid)
	}
	key, err := Key(scope, prefix, params)
	if err != nil {
		return err
	}
	s.write(ctx, key, e, ttl)
	return nil
}

// GetOrCompute returns the cached value or computes, stores, and returns it.
// Concurrent misses on one key in this process share a single computation;
// across processes a store lock does the same. A caller that waits longer
// than the compute wait computes on its own.
func (s *Service) GetOrCompute(ctx context.Context, scope KeyScope, prefix string, params Params, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	e, err := s.GetOrComputeEntry(ctx, scope, prefix, params, ttl, ContentTypeOctetStream, compute)
	return e.Value, err
}

func (s *Service) GetOrComputeEntry(ctx context.Context, scope KeyScope, prefix string, params Params, ttl time.Duration, contentType string, compute ComputeFunc) (Entry, error) {
	if ttl <= 0 {
		return Entry{}, fmt.Errorf("cache compute %q: ttl must be positive: %w", prefix, apperr.ErrInvalid)
	}
	key, err := Key(scope, prefix, params)
	if err != nil {
		return Entry{}, err
	}
	if e, ok := s.read(ctx, key); ok {
		s.count(prefix, true)
		return e, nil
	}
	s.count(prefix, false)

	// The shared computation outlives the caller that starts it, so it gets
	// its own tenant binding instead of borrowing the caller's scope.
	var leader atomic.Bool
	shared := context.WithoutCancel(ctx)
	tc, tcErr := tenant.Current(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		leader.Store(true)
		fctx := shared
		if tcErr == nil {
			scope, err := tenant.Bind(shared, tc)
			if err != nil {
				return Entry{}, err
			}
			defer scope.Release()
			fctx = scope.Context()
		}
		cctx, cancel := context.WithTimeout(fctx, s.computeTimeout)
		defer cancel()
		return s.fill(cctx, key, prefix, ttl, contentType, compute)
	})

	timer := time.NewTimer(s.computeWait)
	defer timer.Stop()
	for {
		select {
		case res := <-ch:
			if res.Err != nil {
				return Entry{}, res.Err
			}
			return res.Val.(Entry), nil
		case <-timer.C:
			if leader.Load() {
				// The leader's own computation is bounded by computeTimeout.
				continue
			}
			observ.FromContext(ctx).Debug("single-flight wait timed out, computing locally",
				zap.String("key", key))
			return s.computeAndStore(ctx, key, prefix, ttl, contentType, compute)
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// fill runs under the in-process single-flight barrier.
func (s *Service) fill(ctx context.Context, key, prefix string, ttl time.Duration, contentType string, compute ComputeFunc) (Entry, error) {
	if e, ok := s.read(ctx, key); ok {
		return e, nil
	}

	lock, err := s.locker.Obtain(ctx, "lock:"+key, s.lockTTL, nil)
	switch {
	case errors.Is(err, redislock.ErrNotObtained):
		if e, ok := s.awaitPeer(ctx, key); ok {
			return e, nil
		}
	case err != nil:
		s.storeError("lock", key, err)
	default:
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.storeError("unlock", key, err)
			}
		}()
	}
	return s.computeAndStore(ctx, key, prefix, ttl, contentType, compute)
}

func (s *Service) computeAndStore(ctx context.Context, key, prefix string, ttl time.Duration, contentType string, compute ComputeFunc) (Entry, error) {
	metrics.CacheComputes.WithLabelValues(prefix).Inc()
	v, err := compute(ctx)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Value: v, ContentType: contentType, ETag: etag(v)}
	s.write(ctx, key, e, ttl)
	return e, nil
}

// awaitPeer polls for a value another process is computing.
func (s *Service) awaitPeer(ctx context.Context, key string) (Entry, bool) {
	deadline := time.NewTimer(s.computeWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.peerPoll)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if e, ok := s.read(ctx, key); ok {
				return e, true
			}
		case <-deadline.C:
			return Entry{}, false
		case <-ctx.Done():
			return Entry{}, false
		}
	}
}

// Invalidate deletes every key of prefix in scope. It never touches
// another scope's keys.
func (s *Service) Invalidate(ctx context.Context, scope KeyScope, prefix string) (int64, error) {
	if !scope.valid() {
		return 0, fmt.Errorf("cache invalidate %q: zero KeyScope: %w", prefix, apperr.ErrInvalid)
	}
	if err := validatePrefix(prefix); err != nil {
		return 0, err
	}
	return s.deleteMatching(ctx, scope.Prefix()+prefix+":*")
}

// InvalidatePattern deletes keys matching a glob that must start with the
// scope's literal prefix, e.g. "tenant:7:products:*".
func (s *Service) InvalidatePattern(ctx context.Context, scope KeyScope, pattern string) (int64, error) {
	if !scope.valid() {
		return 0, fmt.Errorf("cache invalidate pattern %q: zero KeyScope: %w", pattern, apperr.ErrInvalid)
	}
	if len(pattern) <= len(scope.Prefix()) || pattern[:len(scope.Prefix())] != scope.Prefix() {
		return 0, fmt.Errorf("cache pattern %q outside %s: %w", pattern, scope, apperr.ErrInvalid)
	}
	return s.deleteMatching(ctx, pattern)
}

func (s *Service) deleteMatching(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
		seen    int
	)
	for {
		octx, cancel := context.WithTimeout(ctx, s.opTimeout)
		keys, next, err := s.rdb.Scan(octx, cursor, pattern, 500).Result()
		cancel()
		if err != nil {
			metrics.CacheStoreErrors.WithLabelValues("scan").Inc()
			return deleted, fmt.Errorf("scan %q: %w: %w", pattern, apperr.ErrUpstreamUnavailable, err)
		}
		if room := MaxInvalidateKeys - seen; len(keys) > room {
			keys = keys[:room]
		}
		seen += len(keys)
		if len(keys) > 0 {
			octx, cancel := context.WithTimeout(ctx, s.opTimeout)
			n, err := s.rdb.Unlink(octx, keys...).Result()
			cancel()
			if err != nil {
				metrics.CacheStoreErrors.WithLabelValues("unlink").Inc()
				return deleted, fmt.Errorf("unlink %q: %w: %w", pattern, apperr.ErrUpstreamUnavailable, err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
		if seen >= MaxInvalidateKeys {
			s.logger.Warn("invalidation stopped at key limit",
				zap.String("pattern", pattern), zap.Int("limit", MaxInvalidateKeys))
			break
		}
	}
	return deleted, nil
}

func (s *Service) read(ctx context.Context, key string) (Entry, bool) {
	octx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	vals, err := s.rdb.HMGet(octx, key, "v", "ct", "etag").Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.storeError("get", key, err)
		}
		return Entry{}, false
	}
	v, ok := vals[0].(string)
	if !ok {
		return Entry{}, false
	}
	e := Entry{Value: []byte(v)}
	e.ContentType, _ = vals[1].(string)
	e.ETag, _ = vals[2].(string)
	return e, true
}

func (s *Service) write(ctx context.Context, key string, e Entry, ttl time.Duration) {
	if e.ContentType == "" {
		e.ContentType = ContentTypeOctetStream
	}
	if e.ETag == "" {
		e.ETag = etag(e.Value)
	}
	err := s.writeOnce(ctx, key, e, ttl)
	if err == nil {
		return
	}
	t := time.NewTimer(s.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.storeError("set", key, err)
		return
	case <-t.C:
	}
	if err = s.writeOnce(ctx, key, e, ttl); err != nil {
		s.storeError("set", key, err)
	}
}

func (s *Service) writeOnce(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	octx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	_, err := s.rdb.TxPipelined(octx, func(pipe redis.Pipeliner) error {
		pipe.Del(octx, key)
		pipe.HSet(octx, key, "v", e.Value, "ct", e.ContentType, "etag", e.ETag)
		pipe.PExpire(octx, key, ttl)
		return nil
	})
	return err
}

func (s *Service) count(prefix string, hit bool) {
	if hit {
		metrics.CacheHits.WithLabelValues(prefix).Inc()
		return
	}
	metrics.CacheMisses.WithLabelValues(prefix).Inc()
}

func (s *Service) storeError(op, key string, err error) {
	metrics.CacheStoreErrors.WithLabelValues(op).Inc()
	s.logger.Warn("cache store error, degrading",
		zap.String("op", op), zap.String("key", key), zap.Error(err))
}
