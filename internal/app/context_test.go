package app_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/repo/repotest"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("defaults:\n  max_misses: 2\n"), 0o644))
	a, err := app.Open(context.Background(), dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	a.SetClock(func() time.Time { return now })
	return a
}

func TestQueuedCycleLocksAndJournals(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	repotest.SeedUser(t, a.Repo, "u1", domain.ModeHard, "")
	repotest.SeedAction(t, a.Repo, domain.ActionDefinition{ID: "a1", UserID: "u1", StartTime: "20:00"})
	for i := 1; i <= 2; i++ {
		end := now.AddDate(0, 0, -i)
		repotest.SeedInstances(t, a.Repo, domain.ActionInstance{
			ID: fmt.Sprintf("i%d", i), ActionID: "a1", UserID: "u1",
			ScheduledDate:  end.Format("2006-01-02"),
			ScheduledStart: end.Add(-time.Hour),
			ScheduledEnd:   end,
			Status:         domain.StatusPending,
		})
	}

	job, err := a.Queue.Enqueue(ctx, "u1")
	require.NoError(t, err)
	worked, err := a.NewWorker().ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got, err := a.Queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)

	st, err := a.State(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Locked, "config default max_misses=2 applies under the stored policy")
	assert.True(t, st.AcknowledgmentRequired)
	assert.Equal(t, domain.ModeHard, st.EnforcementMode)
	assert.Equal(t, 2, st.Tally.Missed)

	violations, err := a.Journal.Tail(ctx, 0, "u1", string(events.ViolationDetected))
	require.NoError(t, err)
	assert.Len(t, violations, 2)
	completed, err := a.Journal.Tail(ctx, 1, "u1", string(events.KernelCycleCompleted))
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Contains(t, completed[0].Payload, job.TraceID)
}

func TestOpenRejectsUnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("scoring:\n  strategy: vibes\n"), 0o644))
	_, err := app.Open(context.Background(), dir, nil)
	assert.Error(t, err)
}
