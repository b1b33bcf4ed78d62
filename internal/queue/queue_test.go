package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/kernel"
	"cadence/internal/repo"
	"cadence/internal/repo/repotest"
)

var start = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *clock, repo.Repo) {
	t.Helper()
	r := repotest.New(t)
	clk := &clock{now: start}
	q := New(r.DB, config.QueueConfig{MaxAttempts: 3, RetryBackoff: 10 * time.Second, RetryMaxDelay: 30 * time.Second})
	q.Now = clk.Now
	return q, clk, r
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRunner) RunCycle(ctx context.Context, userID, traceID string) (kernel.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+"/"+traceID)
	return kernel.Result{UserID: userID, TraceID: traceID}, f.err
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, ok, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := q.Enqueue(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, job.TraceID)
	assert.Equal(t, StatusQueued, job.Status)

	claimed, ok, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, job.TraceID, claimed.TraceID)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "w1", claimed.LeaseOwner)

	_, ok, err = q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a leased job is not claimable")

	assert.ErrorIs(t, q.Complete(ctx, job.ID, "w2"), ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, job.ID, "w1"))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "u1")
	require.NoError(t, err)
	_, ok, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(2 * time.Minute)
	claimed, ok, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, 2, claimed.Attempts)
	assert.ErrorIs(t, q.Complete(ctx, job.ID, "w1"), ErrLeaseLost)
}

func TestFailRetriesWithBackoffThenDies(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "u1")
	require.NoError(t, err)
	boom := errors.New("boom")

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, ok, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt)
		dead, err := q.Fail(ctx, claimed, "w1", boom)
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, dead)
		if dead {
			break
		}
		_, ok, err = q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "job waits out its backoff")
		clk.Advance(q.retryDelay(attempt))
	}

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, 3, got.Attempts)
}

func TestRetryDelay(t *testing.T) {
	q := &Queue{RetryBackoff: 10 * time.Second, RetryMaxDelay: 30 * time.Second}
	assert.Equal(t, 10*time.Second, q.retryDelay(0))
	assert.Equal(t, 10*time.Second, q.retryDelay(1))
	assert.Equal(t, 20*time.Second, q.retryDelay(2))
	assert.Equal(t, 30*time.Second, q.retryDelay(3))
	assert.Equal(t, 30*time.Second, q.retryDelay(10))
}

func TestWorkerProcessOne(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	w := NewWorker(q, runner, config.QueueConfig{JobTimeout: time.Second}, nil)

	worked, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	job, err := q.Enqueue(ctx, "u1")
	require.NoError(t, err)
	worked, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"u1/" + job.TraceID}, runner.calls)
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)

	runner.err = errors.New("user not found")
	job, err = q.Enqueue(ctx, "ghost")
	require.NoError(t, err)
	worked, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "user not found", got.LastError)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)
	runner := &fakeRunner{}
	w := NewWorker(q, runner, config.QueueConfig{PollInterval: 10 * time.Millisecond, Concurrency: 2}, nil)
	_, err := q.Enqueue(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.calls) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSchedulerTickSkipsUsersWithPendingJobs(t *testing.T) {
	q, _, r := newTestQueue(t)
	ctx := context.Background()
	repotest.SeedUser(t, r, "u1", "", "")
	repotest.SeedUser(t, r, "u2", "", "")
	repotest.SeedUser(t, r, "u3", "", "")
	_, err := q.Enqueue(ctx, "u2")
	require.NoError(t, err)

	s := NewScheduler(r, q, 0, nil)
	assert.Equal(t, time.Hour, s.Interval)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	jobs, err := q.List(ctx, StatusQueued, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}
