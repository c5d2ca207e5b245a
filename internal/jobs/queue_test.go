package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lalith-99/retailcore/internal/apperr"
	"github.com/lalith-99/retailcore/internal/tenant"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	q     *Queue
	rdb   *redis.Client
	mr    *miniredis.Miniredis
	clock *fakeClock
}

func newHarness(t *testing.T, opts ...QueueOption) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := newFakeClock()
	opts = append([]QueueOption{WithClock(clock.Now)}, opts...)
	return &harness{q: NewQueue(rdb, zaptest.NewLogger(t), opts...), rdb: rdb, mr: mr, clock: clock}
}

// advance moves both our clock and the store's TTL clock.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.mr.FastForward(d)
}

func bound(t *testing.T, tenantID int64) context.Context {
	t.Helper()
	scope, err := tenant.Bind(context.Background(), tenant.Context{TenantID: tenantID, UserID: 100 + tenantID})
	require.NoError(t, err)
	t.Cleanup(scope.Release)
	return scope.Context()
}

func TestEnqueueRequiresTenant(t *testing.T) {
	h := newHarness(t)
	_, err := h.q.Enqueue(context.Background(), "report", nil)
	assert.ErrorIs(t, err, apperr.ErrContextMissing)
}

func TestEnqueueValidates(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	_, err := h.q.Enqueue(ctx, "", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = h.q.Enqueue(ctx, "report", nil, WithPriority(10))
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = h.q.Enqueue(ctx, "report", nil, WithQueue("bad queue"))
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = h.q.Enqueue(ctx, "report", json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestEnqueueAndStatus(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", map[string]int{"month": 1}, WithPriority(2), WithMaxRetries(4))
	require.NoError(t, err)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, int64(1), job.TenantID)
	assert.Equal(t, int64(101), job.UserID)
	assert.Equal(t, 2, job.Priority)
	assert.Equal(t, 4, job.MaxRetries)
	assert.JSONEq(t, `{"month":1}`, string(job.Payload))
	assert.True(t, job.CreatedAt.Equal(h.clock.Now()))

	n, err := h.q.PendingCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.q.Status(bound(t, 2), id)
	assert.ErrorIs(t, err, apperr.ErrCrossTenant)

	_, err = h.q.Status(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	queues, err := h.q.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultQueue}, queues)
}

func TestIdempotentEnqueue(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)
	key := "daily-report-2026-01-30-tenantA"

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.q.Enqueue(ctx, "report", nil, WithIdempotencyKey(key))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	assert.Equal(t, ids[0], ids[1])

	stats, err := h.q.Stats(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["enqueued"])
	assert.Equal(t, int64(1), stats["ready"])

	// Another tenant with the same key gets its own job.
	other, err := h.q.Enqueue(bound(t, 2), "report", nil, WithIdempotencyKey(key))
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], other)

	// Once terminal, the key is free again.
	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ids[0], job.ID)
	require.NoError(t, h.q.Complete(ctx, job, nil))

	again, err := h.q.Enqueue(ctx, "report", nil, WithIdempotencyKey(key))
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], again)
}

func TestDequeueOrder(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	first, err := h.q.Enqueue(ctx, "a", nil)
	require.NoError(t, err)
	second, err := h.q.Enqueue(ctx, "b", nil)
	require.NoError(t, err)
	urgent, err := h.q.Enqueue(ctx, "c", nil, WithPriority(1))
	require.NoError(t, err)
	later, err := h.q.Enqueue(ctx, "d", nil, WithPriority(0), WithDelay(time.Minute))
	require.NoError(t, err)

	var got []string
	for {
		job, err := h.q.Dequeue(ctx, DefaultQueue)
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, StatusRunning, job.Status)
		got = append(got, job.ID)
	}
	assert.Equal(t, []string{urgent, first, second}, got)

	h.advance(time.Minute)
	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, later, job.ID)
}

func TestDequeueRaceHandsOutJobOnce(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)
	_, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := h.q.Dequeue(context.Background(), DefaultQueue)
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, got)
}

func TestRetryLadder(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "flaky", nil, WithMaxRetries(2))
	require.NoError(t, err)

	var seen []Status
	for {
		job, err := h.q.Dequeue(ctx, DefaultQueue)
		require.NoError(t, err)
		require.NotNil(t, job, "job must be ready after its backoff")
		seen = append(seen, job.Status)

		if job.RetryCount >= job.MaxRetries {
			require.NoError(t, h.q.Fail(ctx, job, apperr.Retryable(assert.AnError)))
			final, err := h.q.Status(ctx, id)
			require.NoError(t, err)
			seen = append(seen, final.Status)
			break
		}

		delay := Backoff(job.RetryCount)
		require.NoError(t, h.q.Requeue(ctx, job, apperr.Retryable(assert.AnError), delay))
		cur, err := h.q.Status(ctx, id)
		require.NoError(t, err)
		seen = append(seen, cur.Status)

		h.advance(delay - time.Second)
		early, err := h.q.Dequeue(ctx, DefaultQueue)
		require.NoError(t, err)
		assert.Nil(t, early, "not eligible before the backoff elapses")
		h.advance(time.Second)
	}

	assert.Equal(t, []Status{
		StatusRunning, StatusRetrying, StatusRunning, StatusRetrying, StatusRunning, StatusFailed,
	}, seen)

	final, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, final.RetryCount)
	require.NotNil(t, final.CompletedAt)
	assert.GreaterOrEqual(t, final.CompletedAt.Sub(final.CreatedAt), 360*time.Second)
	assert.NotEmpty(t, final.Error)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 120*time.Second, Backoff(0))
	assert.Equal(t, 240*time.Second, Backoff(1))
	assert.Equal(t, 480*time.Second, Backoff(2))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)

	_, err = h.q.Cancel(bound(t, 2), id)
	assert.ErrorIs(t, err, apperr.ErrCrossTenant)

	job, err := h.q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)

	n, err := h.q.PendingCount(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	none, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = h.q.Cancel(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrConflict, "terminal jobs stay terminal")
}

func TestCancelRunningIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)
	_, err = h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)

	_, err = h.q.Cancel(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	h := newHarness(t, WithVisibility(time.Minute))
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)
	crashed, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, crashed)

	n, err := h.q.Reclaim(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	h.advance(61 * time.Second)
	n, err = h.q.Reclaim(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Zero(t, job.RetryCount)

	assert.ErrorIs(t, h.q.Complete(ctx, crashed, nil), ErrLeaseLost)

	again, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	require.NoError(t, h.q.Complete(ctx, again, json.RawMessage(`{"ok":true}`)))
}

func TestHeartbeatExtendsLease(t *testing.T) {
	h := newHarness(t, WithVisibility(time.Minute))
	ctx := bound(t, 1)

	_, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)
	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)

	h.advance(45 * time.Second)
	require.NoError(t, h.q.Heartbeat(ctx, job))
	h.advance(45 * time.Second)

	n, err := h.q.Reclaim(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, h.q.Complete(ctx, job, nil))

	assert.ErrorIs(t, h.q.Heartbeat(ctx, job), ErrLeaseLost)
}

func TestTerminalRecordsAreRetained(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)
	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NoError(t, h.q.Complete(ctx, job, json.RawMessage(`"done"`)))

	assert.Equal(t, DefaultRetention, h.mr.TTL(docKey(id)))

	h.advance(DefaultRetention + time.Second)
	_, err = h.q.Status(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	stats, err := h.q.Stats(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["completed"], "counters outlive records")
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)

	_, err = h.q.Watch(bound(t, 2), id)
	assert.ErrorIs(t, err, apperr.ErrCrossTenant)

	watchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	events, err := h.q.Watch(watchCtx, id)
	require.NoError(t, err)

	first := <-events
	require.NotNil(t, first)
	assert.Equal(t, StatusPending, first.Status)

	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NoError(t, h.q.Complete(ctx, job, nil))

	var statuses []Status
	for j := range events {
		statuses = append(statuses, j.Status)
	}
	assert.Equal(t, []Status{StatusRunning, StatusCompleted}, statuses)
}

func TestDequeueWritesRunningDocument(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", map[string]any{"status": "draft", "n": 3})
	require.NoError(t, err)

	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.StartedAt)
	assert.True(t, job.StartedAt.Equal(h.clock.Now()))
	assert.True(t, job.UpdatedAt.Equal(h.clock.Now()))

	raw, err := h.mr.Get(docKey(id))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, `{"status":"running",`), raw)

	stored, err := h.q.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status)
	assert.JSONEq(t, `{"status":"draft","n":3}`, string(stored.Payload))

	// The lease token came back with the job, so the lease is usable.
	require.NoError(t, h.q.Heartbeat(ctx, job))
}

func TestDequeueRetryRewritesStartedAt(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil, WithMaxRetries(2))
	require.NoError(t, err)
	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NoError(t, h.q.Requeue(ctx, job, assert.AnError, time.Second))

	h.advance(time.Second)
	again, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 1, again.RetryCount)
	assert.True(t, again.StartedAt.Equal(h.clock.Now()))
}

func TestDequeueDropsEntryWithoutDocument(t *testing.T) {
	h := newHarness(t)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)
	h.mr.Del(docKey(id))

	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.False(t, h.mr.Exists(leaseKey(id)))

	running, err := h.rdb.ZCard(ctx, runningKey(DefaultQueue)).Result()
	require.NoError(t, err)
	assert.Zero(t, running)
}

// deadlineHook records store commands issued without a deadline, or with one
// further out than limit.
type deadlineHook struct {
	limit time.Duration

	mu  sync.Mutex
	bad []string
}

func (d *deadlineHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (d *deadlineHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "hello", "client":
		default:
			if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > d.limit {
				d.mu.Lock()
				d.bad = append(d.bad, cmd.Name())
				d.mu.Unlock()
			}
		}
		return next(ctx, cmd)
	}
}

func (d *deadlineHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestStoreCallsCarryDeadline(t *testing.T) {
	h := newHarness(t, WithOpTimeout(time.Second))
	hook := &deadlineHook{limit: time.Second}
	h.rdb.AddHook(hook)
	ctx := bound(t, 1)

	id, err := h.q.Enqueue(ctx, "report", nil)
	require.NoError(t, err)
	_, err = h.q.Status(ctx, id)
	require.NoError(t, err)
	job, err := h.q.Dequeue(ctx, DefaultQueue)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, h.q.Heartbeat(ctx, job))
	require.NoError(t, h.q.Complete(ctx, job, nil))

	_, err = h.q.PendingCount(ctx, 1)
	require.NoError(t, err)
	_, err = h.q.Stats(ctx, DefaultQueue)
	require.NoError(t, err)
	_, err = h.q.Queues(ctx)
	require.NoError(t, err)
	_, err = h.q.Reclaim(ctx, DefaultQueue)
	require.NoError(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	assert.Empty(t, hook.bad)
}
