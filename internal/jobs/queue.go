package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/metrics"
	"github.com/lalith-99/retailcore/internal/tenant"
)

const (
	DefaultVisibility = 10 * time.Minute
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultOpTimeout  = 5 * time.Second

	queuesKey = "jobs:queues"
)

func docKey(id string) string { return "job:" + id }
func leaseKey(id string) string { return "job:" + id + ":lease" }
func readyKey(queue string) string { return "jobs:queue:" + queue }
func runningKey(queue string) string { return "jobs:running:" + queue }
func statsKey(queue string) string { return "jobs:stats:" + queue }
func eventsChannel(id string) string { return "jobs:events:" + id }
func pendingKey(tenantID int64) string { return "jobs:tenant:" + strconv.FormatInt(tenantID, 10) + ":pending" }
func idemKey(tenantID int64, k string) string {
	return "jobs:idem:" + strconv.FormatInt(tenantID, 10) + ":" + k
}

// Queue is the producer and consumer API over the Redis job store.
type Queue struct {
	rdb        redis.UniversalClient
	logger     *zap.Logger
	visibility time.Duration
	retention  time.Duration
	opTimeout  time.Duration
	now        func() time.Time
}

type QueueOption func(*Queue)

// WithVisibility sets how long a lease lasts without a heartbeat.
func WithVisibility(d time.Duration) QueueOption {
	return func(q *Queue) { q.visibility = d }
}

// WithRetention sets how long terminal job records are kept.
func WithRetention(d time.Duration) QueueOption {
	return func(q *Queue) { q.retention = d }
}

// WithOpTimeout sets the deadline of each job store round trip.
func WithOpTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.opTimeout = d }
}

func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(rdb redis.UniversalClient, logger *zap.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		rdb:        rdb,
		logger:     logger.With(zap.String("component", "jobs")),
		visibility: DefaultVisibility,
		retention:  DefaultRetention,
		opTimeout:  DefaultOpTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Visibility is the lease duration.
func (q *Queue) Visibility() time.Duration { return q.visibility }

func (q *Queue) clock() time.Time { return q.now().UTC() }

// op derives the context of one store round trip. A shorter deadline on
// ctx still wins.
func (q *Queue) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.opTimeout)
}

// Enqueue stores a new job for the tenant bound to ctx and returns its id.
// payload is marshalled to JSON unless it already is a json.RawMessage.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (string, error) {
	tc, err := tenant.Current(ctx)
	if err != nil {
		return "", err
	}
	o := enqueueOptions{queue: DefaultQueue, priority: DefaultPriority, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(jobType); err != nil {
		return "", err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	now := q.clock()
	job := &Job{
		ID:             ulid.Make().String(),
		Type:           jobType,
		Payload:        raw,
		Queue:          o.queue,
		Priority:       o.priority,
		ScheduledAt:    now.Add(o.delay),
		Status:         StatusPending,
		MaxRetries:     o.maxRetries,
		TenantID:       tc.TenantID,
		UserID:         tc.UserID,
		RequestID:      tc.RequestID,
		IdempotencyKey: o.idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	useIdem := "0"
	if o.idempotencyKey != "" {
		useIdem = "1"
	}
	octx, cancel := q.op(ctx)
	defer cancel()
	id, err := enqueueScript.Run(octx, q.rdb,
		[]string{
			idemKey(tc.TenantID, o.idempotencyKey), docKey(job.ID), readyKey(o.queue),
			pendingKey(tc.TenantID), statsKey(o.queue), queuesKey,
		},
		job.ID, doc, score(job.Priority, job.ScheduledAt), useIdem, o.queue,
	).Text()
	if err != nil {
		return "", unavailable("enqueue", err)
	}

	if id != job.ID {
		q.logger.Debug("idempotent enqueue returned existing job",
			zap.String("job_id", id), zap.String("idempotency_key", o.idempotencyKey))
		return id, nil
	}
	metrics.JobsEnqueued.WithLabelValues(o.queue, jobType).Inc()
	q.logger.Info("job enqueued",
		zap.String("job_id", id),
		zap.String("type", jobType),
		zap.String("queue", o.queue),
		zap.Int64("tenant_id", tc.TenantID),
		zap.Time("scheduled_at", job.ScheduledAt),
	)
	return id, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON: %w", apperr.ErrInvalid)
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w: %w", apperr.ErrInvalid, err)
		}
		return b, nil
	}
}

// Status returns the job if it belongs to the tenant bound to ctx.
func (q *Queue) Status(ctx context.Context, id string) (*Job, error) {
	job, _, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tenant.AssertRecord(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel removes a pending or retrying job from its queue. Running and
// terminal jobs cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	job, raw, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tenant.AssertRecord(ctx, job); err != nil {
		return nil, err
	}
	if job.Status != StatusPending && job.Status != StatusRetrying {
		return nil, fmt.Errorf("cancel job %s in status %s: %w", id, job.Status, apperr.ErrConflict)
	}

	now := q.clock()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	doc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	octx, cancel := q.op(ctx)
	defer cancel()
	ok, err := cancelScript.Run(octx, q.rdb,
		[]string{docKey(id), readyKey(job.Queue), idemKey(job.TenantID, job.IdempotencyKey), pendingKey(job.TenantID), statsKey(job.Queue)},
		raw, doc, int64(q.retention/time.Second), id,
	).Int()
	if err != nil {
		return nil, unavailable("cancel", err)
	}
	if ok == 0 {
		return nil, fmt.Errorf("cancel job %s: it was picked up concurrently: %w", id, apperr.ErrConflict)
	}
	q.publish(ctx, job)
	return job, nil
}

// Dequeue leases the next ready job of queue, or returns nil when none is
// ready. The returned job is marked running.
func (q *Queue) Dequeue(ctx context.Context, queue string) (*Job, error) {
	now := q.clock()
	token := uuid.NewString()
	octx, cancel := q.op(ctx)
	defer cancel()
	res, err := dequeueScript.Run(octx, q.rdb,
		[]string{readyKey(queue), runningKey(queue), statsKey(queue)},
		now.Unix(), now.Add(q.visibility).UnixMilli(), token, q.visibility.Milliseconds(),
		now.Format(time.RFC3339Nano),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	id, raw := res[0], res[1]
	if raw == "" {
		q.logger.Error("dropping index entry without a job document", zap.String("job_id", id))
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.leaseToken = token
	if job.Status != StatusRunning {
		job.Status = StatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		if err := q.touch(ctx, &job); err != nil {
			return nil, err
		}
	}
	if err := q.rdb.SRem(octx, pendingKey(job.TenantID), id).Err(); err != nil {
		q.logger.Warn("pending index update failed", zap.String("job_id", id), zap.Error(err))
	}
	q.publish(ctx, &job)
	return &job, nil
}

// Heartbeat extends the lease on a running job.
func (q *Queue) Heartbeat(ctx context.Context, job *Job) error {
	deadline := q.clock().Add(q.visibility)
	octx, cancel := q.op(ctx)
	defer cancel()
	ok, err := heartbeatScript.Run(octx, q.rdb,
		[]string{leaseKey(job.ID), runningKey(job.Queue)},
		job.leaseToken, q.visibility.Milliseconds(), job.ID, deadline.UnixMilli(),
	).Int()
	if err != nil {
		return unavailable("heartbeat", err)
	}
	if ok == 0 {
		return fmt.Errorf("heartbeat job %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

// Complete marks a leased job completed with result.
func (q *Queue) Complete(ctx context.Context, job *Job, result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		b, _ := json.Marshal(string(result))
		result = b
	}
	job.Result = result
	job.Error = ""
	return q.finish(ctx, job, StatusCompleted)
}

// Fail marks a leased job failed. It never runs again.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	if cause != nil {
		job.Error = cause.Error()
	}
	return q.finish(ctx, job, StatusFailed)
}

func (q *Queue) finish(ctx context.Context, job *Job, status Status) error {
	now := q.clock()
	job.Status = status
	job.CompletedAt = &now
	job.UpdatedAt = now
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	octx, cancel := q.op(ctx)
	defer cancel()
	ok, err := finishScript.Run(octx, q.rdb,
		[]string{
			leaseKey(job.ID), docKey(job.ID), runningKey(job.Queue), statsKey(job.Queue),
			idemKey(job.TenantID, job.IdempotencyKey), pendingKey(job.TenantID),
		},
		job.leaseToken, doc, int64(q.retention/time.Second), job.ID, string(status),
	).Int()
	if err != nil {
		return unavailable(string(status), err)
	}
	if ok == 0 {
		return fmt.Errorf("%s job %s: %w", status, job.ID, ErrLeaseLost)
	}
	metrics.JobsFinished.WithLabelValues(job.Queue, job.Type, string(status)).Inc()
	q.publish(ctx, job)
	return nil
}

// Requeue returns a leased job to its queue as retrying, eligible after
// delay. The retry count goes up by one.
func (q *Queue) Requeue(ctx context.Context, job *Job, cause error, delay time.Duration) error {
	now := q.clock()
	job.Status = StatusRetrying
	job.RetryCount++
	job.ScheduledAt = now.Add(delay)
	job.UpdatedAt = now
	if cause != nil {
		job.Error = cause.Error()
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	octx, cancel := q.op(ctx)
	defer cancel()
	ok, err := requeueScript.Run(octx, q.rdb,
		[]string{
			leaseKey(job.ID), docKey(job.ID), runningKey(job.Queue), readyKey(job.Queue),
			pendingKey(job.TenantID), statsKey(job.Queue),
		},
		job.leaseToken, doc, job.ID, score(job.Priority, job.ScheduledAt),
	).Int()
	if err != nil {
		return unavailable("requeue", err)
	}
	if ok == 0 {
		return fmt.Errorf("requeue job %s: %w", job.ID, ErrLeaseLost)
	}
	metrics.JobsFinished.WithLabelValues(job.Queue, job.Type, string(StatusRetrying)).Inc()
	q.publish(ctx, job)
	return nil
}

// Reclaim returns jobs whose lease expired to the ready index as pending,
// so a crashed worker's jobs run again. It returns how many it moved.
func (q *Queue) Reclaim(ctx context.Context, queue string) (int, error) {
	now := q.clock()
	octx, cancel := q.op(ctx)
	ids, err := q.rdb.ZRangeByScore(octx, runningKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: 100,
	}).Result()
	cancel()
	if err != nil {
		return 0, unavailable("reclaim", err)
	}

	moved := 0
	for _, id := range ids {
		job, raw, err := q.load(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			octx, cancel := q.op(ctx)
			q.rdb.ZRem(octx, runningKey(queue), id)
			cancel()
			continue
		}
		if err != nil {
			return moved, err
		}
		job.Status = StatusPending
		job.ScheduledAt = now
		job.UpdatedAt = now
		doc, err := json.Marshal(job)
		if err != nil {
			return moved, fmt.Errorf("encode job: %w", err)
		}
		octx, cancel := q.op(ctx)
		ok, err := reclaimScript.Run(octx, q.rdb,
			[]string{docKey(id), runningKey(queue), readyKey(queue), pendingKey(job.TenantID), leaseKey(id), statsKey(queue)},
			raw, doc, id, now.UnixMilli(), score(job.Priority, now),
		).Int()
		cancel()
		if err != nil {
			return moved, unavailable("reclaim", err)
		}
		if ok == 1 {
			moved++
			metrics.LeasesReclaimed.WithLabelValues(queue).Inc()
			q.logger.Warn("reclaimed job with expired lease",
				zap.String("job_id", id), zap.String("queue", queue), zap.Int64("tenant_id", job.TenantID))
			q.publish(ctx, job)
		}
	}
	return moved, nil
}

// PendingCount is the number of jobs waiting to run for a tenant.
func (q *Queue) PendingCount(ctx context.Context, tenantID int64) (int64, error) {
	octx, cancel := q.op(ctx)
	defer cancel()
	n, err := q.rdb.SCard(octx, pendingKey(tenantID)).Result()
	if err != nil {
		return 0, unavailable("pending count", err)
	}
	return n, nil
}

// Stats returns the aggregate counters of a queue. They outlive the job
// records.
func (q *Queue) Stats(ctx context.Context, queue string) (map[string]int64, error) {
	octx, cancel := q.op(ctx)
	defer cancel()
	raw, err := q.rdb.HGetAll(octx, statsKey(queue)).Result()
	if err != nil {
		return nil, unavailable("stats", err)
	}
	out := make(map[string]int64, len(raw)+1)
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	ready, err := q.rdb.ZCard(octx, readyKey(queue)).Result()
	if err != nil {
		return nil, unavailable("stats", err)
	}
	out["ready"] = ready
	return out, nil
}

// Queues lists every queue that has ever had a job.
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	octx, cancel := q.op(ctx)
	defer cancel()
	names, err := q.rdb.SMembers(octx, queuesKey).Result()
	if err != nil {
		return nil, unavailable("queues", err)
	}
	return names, nil
}

func (q *Queue) load(ctx context.Context, id string) (*Job, string, error) {
	octx, cancel := q.op(ctx)
	defer cancel()
	raw, err := q.rdb.Get(octx, docKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", fmt.Errorf("job %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, "", unavailable("load", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, "", fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, raw, nil
}

func (q *Queue) touch(ctx context.Context, job *Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	octx, cancel := q.op(ctx)
	defer cancel()
	ok, err := touchScript.Run(octx, q.rdb, []string{leaseKey(job.ID), docKey(job.ID)}, job.leaseToken, doc).Int()
	if err != nil {
		return unavailable("update", err)
	}
	if ok == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("job store %s: %w", op, err)
	}
	return fmt.Errorf("job store %s: %w: %w", op, apperr.ErrUpstreamUnavailable, err)
}
