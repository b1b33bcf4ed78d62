// Package enforcement locks users out when HARD-mode policies are breached.
// It reacts to bus events and owns the lockout fields of the user row.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cadence/internal/domain"
	"cadence/internal/events"
	"cadence/internal/policy"
	"cadence/internal/repo"
)

// DefaultWindowDays is the trailing window misses are counted over.
const DefaultWindowDays = 7

type Store interface {
	GetUserPolicy(ctx context.Context, userID string) (domain.UserPolicy, error)
	ActiveException(ctx context.Context, userID string, at time.Time) (domain.DisciplineException, error)
	CountMissedSince(ctx context.Context, userID string, since time.Time) (int, error)
	ApplyLockout(ctx context.Context, userID string, until, now time.Time) (bool, error)
	ClearLockout(ctx context.Context, userID string) error
	Acknowledge(ctx context.Context, userID string) error
}

// Outcome records how one evaluation ended.
type Outcome string

const (
	OutcomeNotEnforced    Outcome = "not_enforced"
	OutcomeExcepted       Outcome = "excepted"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeAlreadyLocked  Outcome = "already_locked"
	OutcomeLocked         Outcome = "locked"
)

type Observer struct {
	Store      Store
	Resolver   policy.Resolver
	WindowDays int
	Now        func() time.Time
	Logger     *zap.Logger
}

func NewObserver(store Store, resolver policy.Resolver, windowDays int, logger *zap.Logger) *Observer {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{Store: store, Resolver: resolver, WindowDays: windowDays, Now: time.Now, Logger: logger}
}

// IsLocked reports whether a lockout is active at now.
func IsLocked(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// Subscribe registers the observer for violations and for cycle completion,
// so misses recorded before a cycle are enforced even when it detects none.
func (o *Observer) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.ViolationDetected, "enforcement", o.handle)
	bus.Subscribe(events.KernelCycleCompleted, "enforcement", o.handle)
}

func (o *Observer) handle(ctx context.Context, evt events.Event) error {
	at := evt.Timestamp
	if at.IsZero() {
		at = o.now()
	}
	_, err := o.Evaluate(ctx, evt.UserID, at)
	return err
}

func (o *Observer) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Evaluate applies the lockout rules for one user at now. An active lockout is
// never shortened or extended.
func (o *Observer) Evaluate(ctx context.Context, userID string, now time.Time) (Outcome, error) {
	up, err := o.Store.GetUserPolicy(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("enforcement load %s: %w", userID, err)
	}
	eff := o.Resolver.ForUser(up)
	log := o.Logger.With(zap.String("user_id", userID), zap.String("mode", string(eff.Mode)))

	if eff.Mode != domain.ModeHard && eff.Mode != domain.ModeSoft {
		return OutcomeNotEnforced, nil
	}

	exc, err := o.Store.ActiveException(ctx, userID, now)
	switch {
	case err == nil && exc.ActiveAt(now):
		log.Debug("enforcement suppressed by exception", zap.String("exception_id", exc.ID))
		return OutcomeExcepted, nil
	case err == nil:
		log.Warn("ignoring exception that is not active", zap.String("exception_id", exc.ID))
	case !errors.Is(err, repo.ErrNotFound):
		return "", fmt.Errorf("enforcement exceptions %s: %w", userID, err)
	}

	misses, err := o.Store.CountMissedSince(ctx, userID, now.AddDate(0, 0, -o.WindowDays))
	if err != nil {
		return "", fmt.Errorf("enforcement count %s: %w", userID, err)
	}
	if misses < eff.Rules.MaxMisses {
		return OutcomeBelowThreshold, nil
	}

	if eff.Mode == domain.ModeSoft {
		log.Warn("miss threshold reached; soft mode does not lock",
			zap.Int("misses", misses), zap.Int("max_misses", eff.Rules.MaxMisses))
		return OutcomeNotEnforced, nil
	}

	if IsLocked(up.User.LockedUntil, now) {
		return OutcomeAlreadyLocked, nil
	}

	until := now.Add(time.Duration(eff.Rules.LockoutHours) * time.Hour)
	applied, err := o.Store.ApplyLockout(ctx, userID, until, now)
	if err != nil {
		return "", fmt.Errorf("enforcement lock %s: %w", userID, err)
	}
	if !applied {
		return OutcomeAlreadyLocked, nil
	}
	log.Info("user locked out",
		zap.Int("misses", misses),
		zap.Int("max_misses", eff.Rules.MaxMisses),
		zap.Time("locked_until", until))
	return OutcomeLocked, nil
}

// Unlock lifts a lockout early. Acknowledgment stays required.
func (o *Observer) Unlock(ctx context.Context, userID string) error {
	if err := o.Store.ClearLockout(ctx, userID); err != nil {
		return fmt.Errorf("unlock %s: %w", userID, err)
	}
	o.Logger.Info("user unlocked", zap.String("user_id", userID))
	return nil
}

// Acknowledge clears the acknowledgment flag set by a lockout.
func (o *Observer) Acknowledge(ctx context.Context, userID string) error {
	if err := o.Store.Acknowledge(ctx, userID); err != nil {
		return fmt.Errorf("acknowledge %s: %w", userID, err)
	}
	return nil
}
