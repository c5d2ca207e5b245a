package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/tenant"
)

func runIdle(t *testing.T, h *harness, reg *Registry) {
	t.Helper()
	w := NewWorker(h.q, reg, zaptest.NewLogger(t),
		WithConcurrency(1), WithPollInterval(5*time.Millisecond), WithExitWhenIdle())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

func TestWorkerBindsJobTenant(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry()

	var sawTenant, sawUser atomic.Int64
	var sawOrigin atomic.Value
	reg.Register("echo", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		tc, err := tenant.Current(ctx)
		if err != nil {
			return nil, err
		}
		sawTenant.Store(tc.TenantID)
		sawUser.Store(tc.UserID)
		sawOrigin.Store(tc.Origin)
		return job.Payload, nil
	})

	ctx := bound(t, 7)
	id, err := h.q.Enqueue(ctx, "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)

	runIdle(t, h, reg)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.JSONEq(t, `{"hello":"world"}`, string(job.Result))
	assert.Equal(t, int64(7), sawTenant.Load())
	assert.Equal(t, int64(107), sawUser.Load())
	assert.Equal(t, tenant.OriginWorker, sawOrigin.Load())
}

func TestWorkerNoHandler(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)
	id, err := h.q.Enqueue(ctx, "unknown.type", nil)
	require.NoError(t, err)

	runIdle(t, h, NewRegistry())

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, apperr.ErrNoHandler.Error())
	assert.Zero(t, job.RetryCount)
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry()
	var calls atomic.Int64
	reg.Register("bad", func(context.Context, *Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, apperr.Permanent(errors.New("malformed payload"))
	})

	ctx := bound(t, 1)
	id, err := h.q.Enqueue(ctx, "bad", nil)
	require.NoError(t, err)
	runIdle(t, h, reg)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, int64(1), calls.Load())
	assert.Contains(t, job.Error, "malformed payload")
}

func TestWorkerRetryableErrorRequeues(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry()
	reg.Register("flaky", func(context.Context, *Job) (json.RawMessage, error) {
		return nil, apperr.Retryable(errors.New("upstream 502"))
	})

	ctx := bound(t, 1)
	id, err := h.q.Enqueue(ctx, "flaky", nil, WithMaxRetries(2))
	require.NoError(t, err)
	runIdle(t, h, reg)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, h.clock.Now().Add(120*time.Second).Unix(), job.ScheduledAt.Unix())
}

func TestWorkerPanicBecomesJobError(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry()
	reg.Register("explode", func(context.Context, *Job) (json.RawMessage, error) {
		panic("nil map write")
	})

	ctx := bound(t, 1)
	id, err := h.q.Enqueue(ctx, "explode", nil, WithMaxRetries(0))
	require.NoError(t, err)
	runIdle(t, h, reg)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "handler panic")
}

func TestWorkerTimeout(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry()
	reg.Register("slow", func(ctx context.Context, _ *Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithTimeout(20*time.Millisecond), WithoutTimeoutRetry())

	ctx := bound(t, 1)
	id, err := h.q.Enqueue(ctx, "slow", nil)
	require.NoError(t, err)
	runIdle(t, h, reg)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, apperr.ErrTimeout.Error())
}

func TestRegistryDefaultTimeout(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry(WithDefaultTimeout(20 * time.Millisecond))
	reg.Register("slow.default", func(ctx context.Context, _ *Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithoutTimeoutRetry())

	ctx := bound(t, 1)
	id, err := h.q.Enqueue(ctx, "slow.default", nil)
	require.NoError(t, err)
	runIdle(t, h, reg)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "exceeded 20ms")
}

func TestWorkerGracefulDrain(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry()

	started := make(chan struct{}, 10)
	reg.Register("long", func(context.Context, *Job) (json.RawMessage, error) {
		started <- struct{}{}
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})

	ctx := bound(t, 1)
	ids := make([]string, 10)
	for i := range ids {
		id, err := h.q.Enqueue(ctx, "long", nil)
		require.NoError(t, err)
		ids[i] = id
	}

	runCtx, stop := context.WithCancel(context.Background())
	w := NewWorker(h.q, reg, zaptest.NewLogger(t),
		WithConcurrency(4), WithPollInterval(5*time.Millisecond), WithDrainTimeout(5*time.Second))
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	for i := 0; i < 4; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not pick up jobs")
		}
	}
	stop()
	require.NoError(t, <-done)

	counts := map[Status]int{}
	for _, id := range ids {
		job, err := h.q.Status(ctx, id)
		require.NoError(t, err)
		counts[job.Status]++
	}
	assert.Equal(t, map[Status]int{StatusCompleted: 4, StatusPending: 6}, counts)
}

func TestWorkerDrainTimeout(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry()

	started := make(chan struct{}, 1)
	reg.Register("stuck", func(ctx context.Context, _ *Job) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx := bound(t, 1)
	_, err := h.q.Enqueue(ctx, "stuck", nil)
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	// The abandoned handler settles after Run returns, so it must not log
	// through t.
	w := NewWorker(h.q, reg, zap.NewNop(),
		WithConcurrency(1), WithPollInterval(5*time.Millisecond), WithDrainTimeout(50*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	<-started
	stop()
	err = <-done
	assert.ErrorIs(t, err, ErrDrainInterrupted)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, *Job) (json.RawMessage, error) { return nil, nil }
	reg.Register("a", h)
	assert.Panics(t, func() { reg.Register("a", h) })
	assert.Equal(t, []string{"a"}, reg.Types())
}
