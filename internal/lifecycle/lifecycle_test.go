package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "time/tzdata"

	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/lifecycle"
	"cadence/internal/policy"
	"cadence/internal/repo"
	"cadence/internal/repo/repotest"
)

// Sunday 2024-03-10 12:00 UTC.
var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Repo      repo.Repo
	Lifecycle *lifecycle.Lifecycle
	Ctx       context.Context
	Seen      *[]events.Event
}

func newTestEnv(t *testing.T, loc *time.Location) testEnv {
	t.Helper()
	r := repotest.New(t)
	bus := events.NewBus(nil)
	var seen []events.Event
	bus.SubscribeAll("recorder", func(ctx context.Context, evt events.Event) error {
		seen = append(seen, evt)
		return nil
	})
	lc := lifecycle.New(r, policy.NewResolver(policy.SystemDefaults, nil), bus, loc, nil)
	repotest.SeedUser(t, r, "u1", domain.ModeHard, `{"max_misses":2}`)
	return testEnv{Repo: r, Lifecycle: lc, Ctx: context.Background(), Seen: &seen}
}

func (env testEnv) snapshot(t *testing.T, at time.Time) lifecycle.DisciplineContext {
	t.Helper()
	draft, err := env.Lifecycle.Load(env.Ctx, "u1", "trace-1", at)
	require.NoError(t, err)
	return draft.Freeze()
}

func TestLoadResolvesPolicyAndWindow(t *testing.T) {
	env := newTestEnv(t, time.UTC)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "a1", UserID: "u1"})
	repotest.SeedInstances(t, env.Repo,
		domain.ActionInstance{ID: "feb", ActionID: "a1", UserID: "u1", ScheduledDate: "2024-02-29",
			ScheduledStart: now.AddDate(0, 0, -10), ScheduledEnd: now.AddDate(0, 0, -10), Status: domain.StatusMissed},
		domain.ActionInstance{ID: "mar", ActionID: "a1", UserID: "u1", ScheduledDate: "2024-03-01",
			ScheduledStart: now.AddDate(0, 0, -9), ScheduledEnd: now.AddDate(0, 0, -9), Status: domain.StatusCompleted},
	)

	snap := env.snapshot(t, now)
	assert.Equal(t, "u1", snap.UserID())
	assert.Equal(t, "trace-1", snap.TraceID())
	assert.Equal(t, domain.ModeHard, snap.Policy().Mode)
	assert.Equal(t, 2, snap.Policy().Rules.MaxMisses)
	assert.Equal(t, float64(50), snap.PriorScore())
	start, end := snap.Window()
	assert.Equal(t, "2024-03-01", start)
	assert.Equal(t, "2024-03-10", end)
	require.Len(t, snap.Instances(), 1)
	assert.Equal(t, "mar", snap.Instances()[0].ID)
}

func TestLoadUnknownUser(t *testing.T) {
	env := newTestEnv(t, time.UTC)
	_, err := env.Lifecycle.Load(env.Ctx, "ghost", "t", now)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSnapshotAccessorsReturnCopies(t *testing.T) {
	locked := now.Add(time.Hour)
	exec := now
	snap := lifecycle.Draft{
		UserID:      "u1",
		LockedUntil: &locked,
		Instances:   []domain.ActionInstance{{ID: "i1", Status: domain.StatusCompleted, ExecutedAt: &exec}},
	}.Freeze()

	got := snap.Instances()
	got[0].Status = domain.StatusMissed
	*got[0].ExecutedAt = now.Add(time.Hour)
	lu := snap.LockedUntil()
	*lu = now

	assert.Equal(t, domain.StatusCompleted, snap.Instances()[0].Status)
	assert.True(t, snap.Instances()[0].ExecutedAt.Equal(now))
	assert.True(t, snap.LockedUntil().Equal(locked))
}

func TestMaterializeIsIdempotent(t *testing.T) {
	env := newTestEnv(t, time.UTC)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "daily", UserID: "u1", StartTime: "07:30", DurationMinutes: 30})
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "weekday", UserID: "u1", Frequency: "weekdays"})

	inserted, err := env.Lifecycle.Materialize(env.Ctx, env.snapshot(t, now))
	require.NoError(t, err)
	require.Len(t, inserted, 1, "sunday only schedules the daily action")
	in := inserted[0]
	assert.Equal(t, lifecycle.InstanceID("daily", "2024-03-10"), in.ID)
	assert.Equal(t, time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC), in.ScheduledStart)
	assert.Equal(t, time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), in.ScheduledEnd)

	// A stale snapshot still cannot create a duplicate.
	stale := lifecycle.Draft{UserID: "u1", Timestamp: now}.Freeze()
	again, err := env.Lifecycle.Materialize(env.Ctx, stale)
	require.NoError(t, err)
	assert.Empty(t, again)

	again, err = env.Lifecycle.Materialize(env.Ctx, env.snapshot(t, now))
	require.NoError(t, err)
	assert.Empty(t, again)

	require.Len(t, *env.Seen, 1)
	evt := (*env.Seen)[0]
	assert.Equal(t, events.InstanceMaterialized, evt.Type)
	payload := evt.Payload.(events.InstanceMaterializedPayload)
	assert.Equal(t, "daily", payload.ActionID)
	assert.Equal(t, in.ID, payload.InstanceID)
}

func TestMaterializeUsesConfiguredLocation(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	env := newTestEnv(t, paris)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "late-night", UserID: "u1", StartTime: "23:30", DurationMinutes: 60})

	// 23:10 UTC on Saturday is already Sunday in Paris.
	at := time.Date(2024, 3, 9, 23, 10, 0, 0, time.UTC)
	inserted, err := env.Lifecycle.Materialize(env.Ctx, env.snapshot(t, at))
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "2024-03-10", inserted[0].ScheduledDate)
	assert.Equal(t, time.Date(2024, 3, 10, 22, 30, 0, 0, time.UTC), inserted[0].ScheduledStart.UTC())
}

func TestMaterializeSkipsInvalidDefinitions(t *testing.T) {
	env := newTestEnv(t, time.UTC)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "bad-freq", UserID: "u1", Frequency: "fortnightly"})
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "bad-time", UserID: "u1", StartTime: "25:99"})
	inserted, err := env.Lifecycle.Materialize(env.Ctx, env.snapshot(t, now))
	require.NoError(t, err)
	assert.Empty(t, inserted)
}

func TestDetectMissed(t *testing.T) {
	env := newTestEnv(t, time.UTC)
	repotest.SeedAction(t, env.Repo, domain.ActionDefinition{ID: "a1", UserID: "u1"})

	ids, err := env.Lifecycle.DetectMissed(env.Ctx, env.snapshot(t, now))
	require.NoError(t, err)
	assert.Empty(t, ids)

	repotest.SeedInstances(t, env.Repo,
		domain.ActionInstance{ID: "gone", ActionID: "a1", UserID: "u1", ScheduledDate: "2024-03-09",
			ScheduledStart: now.Add(-25 * time.Hour), ScheduledEnd: now.Add(-24 * time.Hour), Status: domain.StatusPending},
		domain.ActionInstance{ID: "open", ActionID: "a1", UserID: "u1", ScheduledDate: "2024-03-10",
			ScheduledStart: now.Add(-time.Hour), ScheduledEnd: now.Add(time.Hour), Status: domain.StatusPending},
	)
	snap := env.snapshot(t, now)
	ids, err = env.Lifecycle.DetectMissed(env.Ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, ids)

	ids, err = env.Lifecycle.DetectMissed(env.Ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, ids, "already missed instances are not reported twice")

	open, err := env.Repo.GetInstance(env.Ctx, "open")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, open.Status)
}
