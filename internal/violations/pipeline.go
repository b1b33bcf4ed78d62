// Package violations turns detected facts into VIOLATION_DETECTED events.
// It never mutates state.
package violations

import (
	"context"

	"go.uber.org/zap"

	"cadence/internal/events"
	"cadence/internal/lifecycle"
)

type Pipeline struct {
	Bus    *events.Bus
	Logger *zap.Logger
}

func New(bus *events.Bus, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{Bus: bus, Logger: logger}
}

// EmitMissed publishes one MISSED_ACTION violation per newly missed instance
// and returns how many were published.
func (p *Pipeline) EmitMissed(ctx context.Context, snap lifecycle.DisciplineContext, missedIDs []string) int {
	mode := string(snap.Policy().Mode)
	for _, id := range missedIDs {
		if p.Bus != nil {
			p.Bus.Emit(ctx, events.New(snap.UserID(), snap.Timestamp(), events.ViolationDetectedPayload{
				InstanceID: id,
				Reason:     events.ReasonMissedAction,
				PolicyID:   mode,
			}))
		}
	}
	if len(missedIDs) > 0 {
		p.Logger.Info("violations detected",
			zap.String("user_id", snap.UserID()),
			zap.String("trace_id", snap.TraceID()),
			zap.Int("count", len(missedIDs)))
	}
	return len(missedIDs)
}

// DetectViolations is where violation kinds beyond missed actions plug in.
// None exist yet.
func (p *Pipeline) DetectViolations(ctx context.Context, snap lifecycle.DisciplineContext) int {
	return 0
}
