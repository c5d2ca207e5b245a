// Package jobs is the durable background job queue.
//
// Jobs live in Redis: one JSON document per job plus sorted-set indexes for
// ready and running jobs. Dequeue is a single script, so two workers racing
// for the same job never both get it. A dequeued job carries a lease; only
// the lease holder may move it forward, and a lease that is not renewed
// expires and returns the job to the ready index.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lalith-99/retailcore/internal/apperr"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	DefaultQueue      = "default"
	DefaultPriority   = 5
	MinPriority       = 0
	MaxPriority       = 9
	DefaultMaxRetries = 3
	maxRetriesLimit   = 25
	maxIdempotencyLen = 200
)

var (
	// ErrLeaseLost means the caller no longer holds the job's lease, usually
	// because it expired and another worker took the job.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrDrainInterrupted is returned by Worker.Run when in-flight handlers
	// did not finish within the drain timeout.
	ErrDrainInterrupted = errors.New("worker drain interrupted")
)

var queueNameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Job is the stored job document.
type Job struct {
	// dequeueScript rewrites these three in the stored document; they must
	// stay first and in this order.
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`

	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Queue          string          `json:"queue"`
	Priority       int             `json:"priority"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	TenantID       int64           `json:"tenant_id"`
	UserID         int64           `json:"user_id"`
	RequestID      string          `json:"request_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`

	// leaseToken is set on jobs returned by Dequeue.
	leaseToken string
}

func (j *Job) OwnerTenantID() int64 { return j.TenantID }

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return apperr.Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

// score orders the ready index: priority band first, then scheduled time.
func score(priority int, scheduledAt time.Time) float64 {
	return float64(priority)*1e10 + float64(scheduledAt.Unix())
}

type enqueueOptions struct {
	queue          string
	priority       int
	delay          time.Duration
	maxRetries     int
	idempotencyKey string
}

type EnqueueOption func(*enqueueOptions)

func WithQueue(name string) EnqueueOption {
	return func(o *enqueueOptions) { o.queue = name }
}

// WithPriority sets the priority band, 0 (soonest) to 9.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = n }
}

// WithIdempotencyKey makes Enqueue return the existing job's id while a
// non-terminal job with the same key exists for the tenant.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.idempotencyKey = key }
}

func (o enqueueOptions) validate(jobType string) error {
	switch {
	case jobType == "" || len(jobType) > 128:
		return fmt.Errorf("job type %q: %w", jobType, apperr.ErrInvalid)
	case !queueNameRE.MatchString(o.queue):
		return fmt.Errorf("queue name %q: %w", o.queue, apperr.ErrInvalid)
	case o.priority < MinPriority || o.priority > MaxPriority:
		return fmt.Errorf("priority %d out of range %d-%d: %w", o.priority, MinPriority, MaxPriority, apperr.ErrInvalid)
	case o.delay < 0:
		return fmt.Errorf("negative delay: %w", apperr.ErrInvalid)
	case o.maxRetries < 0 || o.maxRetries > maxRetriesLimit:
		return fmt.Errorf("max_retries %d: %w", o.maxRetries, apperr.ErrInvalid)
	case len(o.idempotencyKey) > maxIdempotencyLen:
		return fmt.Errorf("idempotency key too long: %w", apperr.ErrInvalid)
	}
	return nil
}

// Backoff is the delay before retry number retryCount+1: 120s, 240s, 480s...
func Backoff(retryCount int) time.Duration {
	if retryCount > 16 {
		retryCount = 16
	}
	return time.Duration(1<<(retryCount+1)) * time.Minute
}
