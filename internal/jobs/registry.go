package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds a handler unless the registry or its registration
// says otherwise.
const DefaultTimeout = 300 * time.Second

// Handler runs one job. The tenant of the job is bound to ctx. The result,
// if any, is stored on the completed job.
//
// Returning an error wrapped with apperr.Permanent fails the job at once;
// any other error goes through the retry ladder.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

type registration struct {
	handler      Handler
	timeout      time.Duration
	retryTimeout bool
}

type HandlerOption func(*registration)

// WithTimeout overrides the wall-clock limit for one job type.
func WithTimeout(d time.Duration) HandlerOption {
	return func(r *registration) { r.timeout = d }
}

// WithoutTimeoutRetry makes a timeout fail the job instead of retrying it.
func WithoutTimeoutRetry() HandlerOption {
	return func(r *registration) { r.retryTimeout = false }
}

// Registry maps job types to handlers. Register everything at startup,
// before the worker starts.
type Registry struct {
	mu             sync.RWMutex
	handlers       map[string]registration
	defaultTimeout time.Duration
}

type RegistryOption func(*Registry)

// WithDefaultTimeout sets the limit for handlers registered without
// WithTimeout.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{handlers: make(map[string]registration), defaultTimeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(jobType string, h Handler, opts ...HandlerOption) {
	if jobType == "" || h == nil {
		panic("jobs: Register needs a type and a handler")
	}
	reg := registration{handler: h, timeout: r.defaultTimeout, retryTimeout: true}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[jobType]; dup {
		panic(fmt.Sprintf("jobs: handler for %q registered twice", jobType))
	}
	r.handlers[jobType] = reg
}

func (r *Registry) lookup(jobType string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[jobType]
	return reg, ok
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
