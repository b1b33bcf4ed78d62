package kernel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cadence/internal/domain"
	"cadence/internal/enforcement"
	"cadence/internal/events"
	"cadence/internal/kernel"
	"cadence/internal/lifecycle"
	"cadence/internal/policy"
	"cadence/internal/repo"
	"cadence/internal/repo/repotest"
	"cadence/internal/scoring"
	"cadence/internal/violations"
)

// Sunday 2024-03-10 12:00 UTC.
var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Repo   repo.Repo
	Kernel *kernel.Kernel
	Ctx    context.Context

	mu   sync.Mutex
	seen []events.Event
}

func newTestEnv(t *testing.T, mode domain.EnforcementMode) *testEnv {
	t.Helper()
	r := repotest.New(t)
	bus := events.NewBus(nil)
	resolver := policy.NewResolver(policy.SystemDefaults, nil)

	obs := enforcement.NewObserver(r, resolver, 7, nil)
	obs.Subscribe(bus)

	k := kernel.New(
		lifecycle.New(r, resolver, bus, time.UTC, nil),
		violations.New(bus, nil),
		scoring.NewCalculator(scoring.Ratio{}, bus, nil),
		r, bus, nil,
	)
	k.Now = func() time.Time { return now }

	env := &testEnv{Repo: r, Kernel: k, Ctx: context.Background()}
	bus.SubscribeAll("recorder", func(ctx context.Context, evt events.Event) error {
		env.mu.Lock()
		env.seen = append(env.seen, evt)
		env.mu.Unlock()
		return nil
	})
	repotest.SeedUser(t, r, "u1", mode, "")
	return env
}

func (env *testEnv) types() []events.Type {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]events.Type, len(env.seen))
	for i, e := range env.seen {
		out[i] = e.Type
	}
	return out
}

func (env *testEnv) reset() {
	env.mu.Lock()
	env.seen = nil
	env.mu.Unlock()
}

func seedInstance(t *testing.T, r repo.Repo, id string, daysAgo int, status domain.InstanceStatus) {
	t.Helper()
	end := now.AddDate(0, 0, -daysAgo).Add(-time.Hour)
	repotest.SeedInstances(t, r, domain.ActionInstance{
		ID:             id,
		ActionID:       "history",
		UserID:         "u1",
		ScheduledDate:  end.Format("2006-01-02"),
		ScheduledStart: end.Add(-30 * time.Minute),
		ScheduledEnd:   end,
		Status:         status,
	})
}

func TestPreexistingMissesLockOnQuietCycle(t *testing.T) {
	env := newTestEnv(t, domain.ModeHard)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "history", UserID: "u1"})
	require.NoError(t, env.Repo.SetActionActive(env.Ctx, "history", false))
	for i := 1; i <= 3; i++ {
		seedInstance(t, env.Repo, fmt.Sprintf("miss-%d", i), i, domain.StatusMissed)
	}

	res, err := env.Kernel.RunCycle(env.Ctx, "u1", "trace-e2e")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Violations)
	assert.Equal(t, 0, res.Materialized)
	assert.Equal(t, float64(0), res.Score)
	assert.Equal(t, "trace-e2e", res.TraceID)

	u, err := env.Repo.GetUser(env.Ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u.LockedUntil)
	assert.True(t, u.LockedUntil.After(now.Add(23*time.Hour+59*time.Minute)))
	assert.True(t, u.AcknowledgmentRequired)
	assert.Equal(t, float64(0), u.Score)
	assert.Equal(t, domain.LabelAtRisk, u.Classification)

	assert.NotContains(t, env.types(), events.ViolationDetected)
}

func TestCycleOrderAndEvents(t *testing.T) {
	env := newTestEnv(t, domain.ModeHard)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "history", UserID: "u1", StartTime: "20:00"})
	seedInstance(t, env.Repo, "done", 2, domain.StatusCompleted)
	seedInstance(t, env.Repo, "overdue", 1, domain.StatusPending)

	res, err := env.Kernel.RunCycle(env.Ctx, "u1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.TraceID)
	assert.Equal(t, 1, res.Materialized)
	assert.Equal(t, 1, res.Violations)
	// The score reflects the snapshot taken before this cycle's transitions.
	assert.Equal(t, float64(100), res.Score)

	assert.Equal(t, []events.Type{
		events.InstanceMaterialized,
		events.ViolationDetected,
		events.ScoreUpdated,
		events.KernelCycleCompleted,
		events.KernelStageTiming,
	}, env.types())

	env.reset()
	res, err = env.Kernel.RunCycle(env.Ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Materialized)
	assert.Equal(t, 0, res.Violations)
	assert.Equal(t, float64(50), res.Score)
	assert.Equal(t, []events.Type{
		events.ScoreUpdated,
		events.KernelCycleCompleted,
		events.KernelStageTiming,
	}, env.types())

	env.reset()
	_, err = env.Kernel.RunCycle(env.Ctx, "u1", "")
	require.NoError(t, err)
	assert.NotContains(t, env.types(), events.ScoreUpdated, "unchanged score is not re-announced")
}

func TestCompletedPayloadCarriesTraceID(t *testing.T) {
	env := newTestEnv(t, "")
	res, err := env.Kernel.RunCycle(env.Ctx, "u1", "trace-42")
	require.NoError(t, err)
	assert.Equal(t, float64(50), res.Score)

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.seen, 2)
	assert.Equal(t, events.KernelCycleCompletedPayload{Score: 50, Violations: 0, TraceID: "trace-42"}, env.seen[0].Payload)
	timing := env.seen[1].Payload.(events.KernelStageTimingPayload)
	assert.Equal(t, "trace-42", timing.TraceID)
	assert.GreaterOrEqual(t, timing.TotalMs, timing.LifecycleMs)
}

func TestUnknownUserAbortsCycle(t *testing.T) {
	env := newTestEnv(t, domain.ModeHard)
	_, err := env.Kernel.RunCycle(env.Ctx, "ghost", "")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Empty(t, env.types())
}

func TestConcurrentCyclesMaterializeOnce(t *testing.T) {
	env := newTestEnv(t, domain.ModeNone)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "history", UserID: "u1", StartTime: "20:00"})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Kernel.RunCycle(env.Ctx, "u1", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	instances, err := env.Repo.ListInstances(env.Ctx, repo.InstanceFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	materialized := 0
	for _, typ := range env.types() {
		if typ == events.InstanceMaterialized {
			materialized++
		}
	}
	assert.Equal(t, 1, materialized)
}

func TestJoinedCycleSharesLeaderResult(t *testing.T) {
	env := newTestEnv(t, domain.ModeNone)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "history", UserID: "u1", StartTime: "20:00"})
	core, logs := observer.New(zap.InfoLevel)
	env.Kernel.Logger = zap.New(core)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.Kernel.Bus.Subscribe(events.InstanceMaterialized, "gate", func(ctx context.Context, evt events.Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	leader := make(chan kernel.Result, 1)
	go func() {
		res, err := env.Kernel.RunCycle(env.Ctx, "u1", "leader-trace")
		assert.NoError(t, err)
		leader <- res
	}()
	<-started

	follower := make(chan kernel.Result, 1)
	go func() {
		res, err := env.Kernel.RunCycle(env.Ctx, "u1", "follower-trace")
		assert.NoError(t, err)
		follower <- res
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	lres, fres := <-leader, <-follower
	assert.Equal(t, "leader-trace", lres.TraceID)
	assert.Equal(t, "leader-trace", fres.TraceID)

	joined := logs.FilterMessage("joined in-flight cycle").All()
	require.Len(t, joined, 1)
	fields := joined[0].ContextMap()
	assert.Equal(t, "follower-trace", fields["trace_id"])
	assert.Equal(t, "leader-trace", fields["leader_trace_id"])
}
