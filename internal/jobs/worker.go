package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/metrics"
	"github.com/lalith-99/retailcore/internal/tenant"
)

// Worker runs jobs from one queue on a fixed number of pollers.
type Worker struct {
	queue    *Queue
	registry *Registry
	logger   *zap.Logger

	name            string
	concurrency     int
	pollInterval    time.Duration
	drainTimeout    time.Duration
	reclaimInterval time.Duration
	exitWhenIdle    bool

	busy atomic.Int64
}

type WorkerOption func(*Worker)

func WithQueueName(name string) WorkerOption {
	return func(w *Worker) { w.name = name }
}

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithDrainTimeout bounds how long Run waits for in-flight handlers after
// its context is cancelled.
func WithDrainTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.drainTimeout = d }
}

func WithReclaimInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.reclaimInterval = d }
}

// WithExitWhenIdle makes Run return once the queue has no ready job and
// nothing is in flight.
func WithExitWhenIdle() WorkerOption {
	return func(w *Worker) { w.exitWhenIdle = true }
}

func NewWorker(q *Queue, reg *Registry, logger *zap.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		queue:           q,
		registry:        reg,
		name:            DefaultQueue,
		concurrency:     4,
		pollInterval:    time.Second,
		drainTimeout:    30 * time.Second,
		reclaimInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	w.logger = logger.With(zap.String("component", "worker"), zap.String("queue", w.name))
	return w
}

// Run polls until ctx is cancelled, then stops polling and waits up to the
// drain timeout for in-flight jobs. Jobs already running are not
// interrupted by ctx; they are only cut off when the drain times out, and
// in that case Run returns ErrDrainInterrupted.
func (w *Worker) Run(ctx context.Context) error {
	hardCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()

	w.logger.Info("worker started",
		zap.Int("concurrency", w.concurrency),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Strings("types", w.registry.Types()),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.poll(gctx, hardCtx) })
	}
	if !w.exitWhenIdle {
		g.Go(func() error { return w.reclaimLoop(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var result *multierror.Error
	select {
	case err := <-done:
		result = multierror.Append(result, err)
	case <-ctx.Done():
		w.logger.Info("draining in-flight jobs",
			zap.Int64("in_flight", w.busy.Load()),
			zap.Duration("drain_timeout", w.drainTimeout),
		)
		timer := time.NewTimer(w.drainTimeout)
		defer timer.Stop()
		select {
		case err := <-done:
			result = multierror.Append(result, err)
		case <-timer.C:
			hardStop()
			result = multierror.Append(result, fmt.Errorf("%w: %d jobs still running", ErrDrainInterrupted, w.busy.Load()))
		}
	}
	w.logger.Info("worker stopped")
	return result.ErrorOrNil()
}

func (w *Worker) poll(ctx, jobCtx context.Context) error {
	backoff := w.pollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := w.queue.Dequeue(ctx, w.name)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("dequeue failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		case job == nil:
			if w.exitWhenIdle && w.busy.Load() == 0 {
				return nil
			}
			if !sleep(ctx, w.pollInterval) {
				return nil
			}
			continue
		}
		backoff = w.pollInterval
		w.process(jobCtx, job)
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) error {
	t := time.NewTicker(w.reclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.queue.Reclaim(ctx, w.name); err != nil && ctx.Err() == nil {
				w.logger.Warn("reclaim failed", zap.Error(err))
			}
		}
	}
}

// process runs one leased job to a state transition. ctx outlives the
// worker's own cancellation so the job can finish during a drain.
func (w *Worker) process(ctx context.Context, job *Job) {
	w.busy.Add(1)
	metrics.JobsInFlight.Inc()
	defer func() {
		w.busy.Add(-1)
		metrics.JobsInFlight.Dec()
	}()

	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int64("tenant_id", job.TenantID),
		zap.Int("retry_count", job.RetryCount),
	)

	reg, ok := w.registry.lookup(job.Type)
	if !ok {
		metrics.JobsNoHandler.WithLabelValues(job.Type).Inc()
		log.Error("no handler registered for job type")
		w.settle(ctx, log, job, w.queue.Fail(ctx, job, fmt.Errorf("%w: %s", apperr.ErrNoHandler, job.Type)))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, log, job)
	start := time.Now()
	result, err := w.invoke(ctx, reg, job)
	stopHeartbeat()
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	if apperr.IsTimeout(err) {
		metrics.JobTimeouts.WithLabelValues(job.Type).Inc()
	}

	switch {
	case err == nil:
		log.Info("job completed", zap.Duration("took", time.Since(start)))
		w.settle(ctx, log, job, w.queue.Complete(ctx, job, result))
	case apperr.IsPermanent(err):
		log.Error("job failed permanently", zap.Error(err))
		w.settle(ctx, log, job, w.queue.Fail(ctx, job, err))
	case job.RetryCount < job.MaxRetries:
		delay := Backoff(job.RetryCount)
		log.Warn("job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		w.settle(ctx, log, job, w.queue.Requeue(ctx, job, err, delay))
	default:
		log.Error("job failed after retries", zap.Error(err), zap.Int("max_retries", job.MaxRetries))
		w.settle(ctx, log, job, w.queue.Fail(ctx, job, err))
	}
}

func (w *Worker) settle(ctx context.Context, log *zap.Logger, job *Job, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseLost):
		log.Warn("lease lost before the job could be settled; another worker owns it now")
	default:
		if ctx.Err() == nil {
			log.Error("could not record job outcome", zap.Error(err))
		}
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// invoke binds the job's tenant and runs the handler under its timeout.
// A handler that ignores its context is abandoned at the deadline; its
// tenant scope is released, so anything it does afterwards that needs the
// tenant fails with ErrContextMissing.
func (w *Worker) invoke(ctx context.Context, reg registration, job *Job) (json.RawMessage, error) {
	if job.TenantID <= 0 {
		return nil, apperr.Permanent(fmt.Errorf("job %s has no tenant: %w", job.ID, apperr.ErrInvalid))
	}
	tc := tenant.Context{
		TenantID:  job.TenantID,
		UserID:    job.UserID,
		RequestID: job.RequestID,
		Origin:    tenant.OriginWorker,
	}
	var result json.RawMessage
	err := tenant.Run(ctx, tc, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, reg.timeout)
		defer cancel()

		ch := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome{err: apperr.Retryable(fmt.Errorf("handler panic: %v", r))}
				}
			}()
			jc := *job
			res, err := reg.handler(hctx, &jc)
			ch <- outcome{result: res, err: err}
		}()

		select {
		case o := <-ch:
			result = o.result
			if o.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
				return w.timeoutError(reg, job)
			}
			return o.err
		case <-hctx.Done():
			if errors.Is(hctx.Err(), context.DeadlineExceeded) {
				return w.timeoutError(reg, job)
			}
			return apperr.Retryable(hctx.Err())
		}
	})
	return result, err
}

func (w *Worker) timeoutError(reg registration, job *Job) error {
	err := fmt.Errorf("%w: %s exceeded %s", apperr.ErrTimeout, job.Type, reg.timeout)
	if reg.retryTimeout {
		return apperr.Retryable(err)
	}
	return apperr.Permanent(err)
}

func (w *Worker) heartbeat(ctx context.Context, log *zap.Logger, job *Job) {
	interval := w.queue.Visibility() / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.queue.Heartbeat(ctx, job); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("heartbeat failed", zap.Error(err))
				if errors.Is(err, ErrLeaseLost) {
					return
				}
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
