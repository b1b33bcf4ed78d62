// Package app wires cadence's components together at process start.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/domain"
	"cadence/internal/enforcement"
	"cadence/internal/events"
	"cadence/internal/kernel"
	"cadence/internal/lifecycle"
	"cadence/internal/migrate"
	"cadence/internal/policy"
	"cadence/internal/queue"
	"cadence/internal/repo"
	"cadence/internal/scoring"
	"cadence/internal/violations"
)

// App holds every wired component. Nothing in it is a package-level global.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Repo        repo.Repo
	Bus         *events.Bus
	Journal     events.Journal
	Resolver    policy.Resolver
	Lifecycle   *lifecycle.Lifecycle
	Enforcement *enforcement.Observer
	Kernel      *kernel.Kernel
	Queue       *queue.Queue
	Logger      *zap.Logger
	Now         func() time.Time
}

// Open loads cadence.yml from workspace, opens and migrates the database and
// wires the components.
func Open(ctx context.Context, workspace string, logger *zap.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a, err := New(conn, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

// New wires components over an open, migrated database.
func New(conn *sql.DB, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	strategy, err := scoring.StrategyByName(cfg.Scoring.Strategy)
	if err != nil {
		return nil, err
	}

	r := repo.Repo{DB: conn}
	bus := events.NewBus(logger.Named("bus"))
	defaults := policy.Rules{
		MaxMisses:      cfg.Defaults.MaxMisses,
		ScoreThreshold: cfg.Defaults.ScoreThreshold,
		LockoutHours:   cfg.Defaults.LockoutHours,
	}
	resolver := policy.NewResolver(defaults, logger.Named("policy"))

	journal := events.Journal{DB: conn}
	obs := enforcement.NewObserver(r, resolver, cfg.Enforcement.WindowDays, logger.Named("enforcement"))
	obs.Subscribe(bus)
	bus.SubscribeAll("journal", journal.Handler())

	lc := lifecycle.New(r, resolver, bus, loc, logger.Named("lifecycle"))
	k := kernel.New(
		lc,
		violations.New(bus, logger.Named("violations")),
		scoring.NewCalculator(strategy, bus, logger.Named("scoring")),
		r,
		bus,
		logger.Named("kernel"),
	)

	return &App{
		Config:      cfg,
		DB:          conn,
		Repo:        r,
		Bus:         bus,
		Journal:     journal,
		Resolver:    resolver,
		Lifecycle:   lc,
		Enforcement: obs,
		Kernel:      k,
		Queue:       queue.New(conn, cfg.Queue),
		Logger:      logger,
		Now:         time.Now,
	}, nil
}

// SetClock pins the time source of every time-driven component.
func (a *App) SetClock(now func() time.Time) {
	a.Now = now
	a.Kernel.Now = now
	a.Enforcement.Now = now
	a.Queue.Now = now
}

func (a *App) Close() error {
	return a.DB.Close()
}

// NewWorker builds a queue worker that runs cycles on this app's kernel.
func (a *App) NewWorker() *queue.Worker {
	return queue.NewWorker(a.Queue, a.Kernel, a.Config.Queue, a.Logger.Named("worker"))
}

func (a *App) NewScheduler() *queue.Scheduler {
	return queue.NewScheduler(a.Repo, a.Queue, a.Config.Scheduler.Interval, a.Logger.Named("scheduler"))
}

// UserState is the operator view of one user.
type UserState struct {
	scoring.State
	EnforcementMode        domain.EnforcementMode `json:"enforcement_mode"`
	PolicyID               string                 `json:"policy_id,omitempty"`
	Locked                 bool                   `json:"locked"`
	LockedUntil            *time.Time             `json:"locked_until,omitempty"`
	AcknowledgmentRequired bool                   `json:"acknowledgment_required"`
	StoredScore            float64                `json:"stored_score"`
}

// State reads a user's current state without running a cycle.
func (a *App) State(ctx context.Context, userID string) (UserState, error) {
	now := a.Now()
	draft, err := a.Lifecycle.Load(ctx, userID, "", now)
	if err != nil {
		return UserState{}, err
	}
	snap := draft.Freeze()
	return UserState{
		State:                  scoring.StateOf(snap),
		EnforcementMode:        snap.Policy().Mode,
		PolicyID:               snap.Policy().PolicyID,
		Locked:                 enforcement.IsLocked(snap.LockedUntil(), now),
		LockedUntil:            snap.LockedUntil(),
		AcknowledgmentRequired: snap.AcknowledgmentRequired(),
		StoredScore:            snap.PriorScore(),
	}, nil
}
