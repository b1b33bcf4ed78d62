// Package repotest opens throwaway migrated databases for package tests.
package repotest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/migrate"
	"cadence/internal/repo"
)

// Open returns a migrated database in t's temp dir, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	return conn
}

// New returns a Repo over a fresh database.
func New(t testing.TB) repo.Repo {
	t.Helper()
	return repo.Repo{DB: Open(t)}
}

// SeedUser inserts a user with an optional policy carrying mode and rules.
func SeedUser(t testing.TB, r repo.Repo, userID string, mode domain.EnforcementMode, rulesJSON string) {
	t.Helper()
	ctx := context.Background()
	u := domain.User{ID: userID}
	if mode != "" || rulesJSON != "" {
		p := domain.Policy{ID: "pol-" + userID, Scope: "user", EnforcementMode: mode, RulesJSON: rulesJSON}
		require.NoError(t, r.InsertPolicy(ctx, p))
		u.PolicyID = p.ID
	}
	require.NoError(t, r.InsertUser(ctx, u))
}

// SeedInstances inserts instances verbatim, including terminal ones.
func SeedInstances(t testing.TB, r repo.Repo, instances ...domain.ActionInstance) {
	t.Helper()
	inserted, err := r.InsertInstances(context.Background(), instances)
	require.NoError(t, err)
	require.Len(t, inserted, len(instances))
}

// SeedAction inserts an active definition for userID.
func SeedAction(t testing.TB, r repo.Repo, a domain.ActionDefinition) domain.ActionDefinition {
	t.Helper()
	if a.StartTime == "" {
		a.StartTime = "09:00"
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = 60
	}
	if a.Title == "" {
		a.Title = a.ID
	}
	a.Active = true
	require.NoError(t, r.InsertAction(context.Background(), a))
	return a
}
