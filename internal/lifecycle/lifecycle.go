// Package lifecycle builds the per-cycle snapshot and moves action instances
// through their time-driven transitions.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/policy"
	"cadence/internal/repo"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

// instanceNamespace seeds deterministic instance ids so two racing
// materializations of the same occurrence agree on the row id.
var instanceNamespace = uuid.MustParse("6f1b7a52-93a4-4c59-9d0e-2f3c8b1e7d40")

// Store is the persistence the lifecycle needs.
type Store interface {
	GetUserPolicy(ctx context.Context, userID string) (domain.UserPolicy, error)
	ListInstances(ctx context.Context, f repo.InstanceFilter) ([]domain.ActionInstance, error)
	ListActiveActions(ctx context.Context, userID string) ([]domain.ActionDefinition, error)
	InsertInstances(ctx context.Context, instances []domain.ActionInstance) ([]domain.ActionInstance, error)
	PendingExpired(ctx context.Context, userID string, now time.Time) ([]string, error)
	MarkMissed(ctx context.Context, userID string, now time.Time) ([]string, error)
}

type Lifecycle struct {
	Store    Store
	Resolver policy.Resolver
	Bus      *events.Bus
	Location *time.Location
	Logger   *zap.Logger
}

func New(store Store, resolver policy.Resolver, bus *events.Bus, loc *time.Location, logger *zap.Logger) *Lifecycle {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{Store: store, Resolver: resolver, Bus: bus, Location: loc, Logger: logger}
}

// Load reads the user, resolves their effective policy and loads instances
// from the first of the current month through today.
func (l *Lifecycle) Load(ctx context.Context, userID, traceID string, now time.Time) (Draft, error) {
	up, err := l.Store.GetUserPolicy(ctx, userID)
	if err != nil {
		return Draft{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	local := now.In(l.Location)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, l.Location).Format(dateLayout)
	end := local.Format(dateLayout)
	instances, err := l.Store.ListInstances(ctx, repo.InstanceFilter{UserID: userID, FromDate: start, ToDate: end})
	if err != nil {
		return Draft{}, fmt.Errorf("load instances for %s: %w", userID, err)
	}
	return Draft{
		UserID:                 userID,
		TraceID:                traceID,
		Timestamp:              now,
		Location:               l.Location,
		Policy:                 l.Resolver.ForUser(up),
		PriorScore:             up.User.Score,
		PriorLabel:             up.User.Classification,
		LockedUntil:            up.User.LockedUntil,
		AcknowledgmentRequired: up.User.AcknowledgmentRequired,
		WindowStart:            start,
		WindowEnd:              end,
		Instances:              instances,
	}, nil
}

// Materialize creates today's PENDING instance for every active definition
// due today that has none yet. Repeated calls are no-ops. Only rows this call
// inserted are returned and announced.
func (l *Lifecycle) Materialize(ctx context.Context, snap DisciplineContext) ([]domain.ActionInstance, error) {
	defs, err := l.Store.ListActiveActions(ctx, snap.UserID())
	if err != nil {
		return nil, fmt.Errorf("list actions for %s: %w", snap.UserID(), err)
	}
	loc := snap.Location()
	today := snap.Timestamp().In(loc)
	date := today.Format(dateLayout)

	existing := make(map[string]bool)
	for _, in := range snap.Instances() {
		if in.ScheduledDate == date {
			existing[in.ActionID] = true
		}
	}

	var pending []domain.ActionInstance
	for _, def := range defs {
		if existing[def.ID] {
			continue
		}
		freq, err := ParseFrequency(def.Frequency)
		if err != nil {
			l.Logger.Warn("skipping action with invalid frequency", zap.String("action_id", def.ID), zap.Error(err))
			continue
		}
		if !freq.Due(today.Weekday()) {
			continue
		}
		start, end, err := window(today, def, loc)
		if err != nil {
			l.Logger.Warn("skipping action with invalid schedule", zap.String("action_id", def.ID), zap.Error(err))
			continue
		}
		pending = append(pending, domain.ActionInstance{
			ID:             InstanceID(def.ID, date),
			ActionID:       def.ID,
			UserID:         snap.UserID(),
			ScheduledDate:  date,
			ScheduledStart: start,
			ScheduledEnd:   end,
			Status:         domain.StatusPending,
		})
	}
	if len(pending) == 0 {
		return nil, nil
	}
	inserted, err := l.Store.InsertInstances(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("materialize instances for %s: %w", snap.UserID(), err)
	}
	for _, in := range inserted {
		l.emit(ctx, events.New(snap.UserID(), snap.Timestamp(), events.InstanceMaterializedPayload{
			InstanceID:   in.ID,
			ActionID:     in.ActionID,
			ScheduledFor: in.ScheduledStart,
		}))
	}
	if len(inserted) > 0 {
		l.Logger.Debug("materialized instances", zap.String("user_id", snap.UserID()), zap.Int("count", len(inserted)))
	}
	return inserted, nil
}

// DetectMissed moves PENDING instances whose window closed strictly before the
// cycle timestamp to MISSED and returns the ids this call moved. No write is
// issued when nothing qualifies.
func (l *Lifecycle) DetectMissed(ctx context.Context, snap DisciplineContext) ([]string, error) {
	candidates, err := l.Store.PendingExpired(ctx, snap.UserID(), snap.Timestamp())
	if err != nil {
		return nil, fmt.Errorf("find expired instances for %s: %w", snap.UserID(), err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ids, err := l.Store.MarkMissed(ctx, snap.UserID(), snap.Timestamp())
	if err != nil {
		return nil, fmt.Errorf("mark missed for %s: %w", snap.UserID(), err)
	}
	return ids, nil
}

func (l *Lifecycle) emit(ctx context.Context, evt events.Event) {
	if l.Bus != nil {
		l.Bus.Emit(ctx, evt)
	}
}

// InstanceID is the deterministic id of an action's occurrence on date.
func InstanceID(actionID, date string) string {
	return uuid.NewSHA1(instanceNamespace, []byte(actionID+"/"+date)).String()
}

func window(day time.Time, def domain.ActionDefinition, loc *time.Location) (time.Time, time.Time, error) {
	clock, err := time.Parse(clockLayout, def.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start time %q: %w", def.StartTime, err)
	}
	if def.DurationMinutes <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("duration %d must be positive", def.DurationMinutes)
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	return start, start.Add(time.Duration(def.DurationMinutes) * time.Minute), nil
}
