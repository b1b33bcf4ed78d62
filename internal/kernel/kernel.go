// Package kernel runs the per-user discipline cycle.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cadence/internal/events"
	"cadence/internal/lifecycle"
	"cadence/internal/scoring"
	"cadence/internal/violations"
)

// ScoreStore persists the score a cycle computed.
type ScoreStore interface {
	UpdateScore(ctx context.Context, userID string, score float64, label string) error
}

// Result summarizes one completed cycle.
type Result struct {
	UserID       string                           `json:"user_id"`
	TraceID      string                           `json:"trace_id"`
	Score        float64                          `json:"score"`
	Label        string                           `json:"classification"`
	Materialized int                              `json:"materialized"`
	Violations   int                              `json:"violations"`
	Timing       events.KernelStageTimingPayload `json:"timing"`
}

type Kernel struct {
	Lifecycle  *lifecycle.Lifecycle
	Pipeline   *violations.Pipeline
	Calculator *scoring.Calculator
	Scores     ScoreStore
	Bus        *events.Bus
	Now        func() time.Time
	Logger     *zap.Logger

	tracer   trace.Tracer
	inflight singleflight.Group
}

func New(lc *lifecycle.Lifecycle, pipeline *violations.Pipeline, calc *scoring.Calculator, scores ScoreStore, bus *events.Bus, logger *zap.Logger) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kernel{
		Lifecycle:  lc,
		Pipeline:   pipeline,
		Calculator: calc,
		Scores:     scores,
		Bus:        bus,
		Now:        time.Now,
		Logger:     logger,
		tracer:     otel.Tracer("cadence/internal/kernel"),
	}
}

// RunCycle runs one cycle for userID. An empty traceID gets a fresh one.
//
// Concurrent calls for the same user join a single execution. A caller that
// joins gets the leader's Result, including the leader's TraceID, and the
// run is bound to the leader's ctx: if the leader is cancelled or times out,
// every joined caller receives that error.
func (k *Kernel) RunCycle(ctx context.Context, userID, traceID string) (Result, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	v, err, shared := k.inflight.Do(userID, func() (any, error) {
		return k.run(ctx, userID, traceID)
	})
	res, _ := v.(Result)
	if shared && res.TraceID != traceID {
		k.Logger.Info("joined in-flight cycle",
			zap.String("user_id", userID),
			zap.String("trace_id", traceID),
			zap.String("leader_trace_id", res.TraceID),
			zap.Error(err))
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (k *Kernel) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

func (k *Kernel) run(ctx context.Context, userID, traceID string) (res Result, err error) {
	tracer := k.tracer
	if tracer == nil {
		tracer = otel.Tracer("cadence/internal/kernel")
	}
	ctx, span := tracer.Start(ctx, "kernel.cycle", trace.WithAttributes(
		attribute.String("cadence.user_id", userID),
		attribute.String("cadence.trace_id", traceID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := k.Logger.With(zap.String("user_id", userID), zap.String("trace_id", traceID))
	now := k.now()
	started := time.Now()

	draft, err := k.Lifecycle.Load(ctx, userID, traceID, now)
	if err != nil {
		return Result{}, fmt.Errorf("cycle load: %w", err)
	}
	snap := draft.Freeze()
	inserted, err := k.Lifecycle.Materialize(ctx, snap)
	if err != nil {
		return Result{}, fmt.Errorf("cycle materialize: %w", err)
	}
	missed, err := k.Lifecycle.DetectMissed(ctx, snap)
	if err != nil {
		return Result{}, fmt.Errorf("cycle detect missed: %w", err)
	}
	lifecycleDone := time.Now()

	violationCount := k.Pipeline.EmitMissed(ctx, snap, missed)
	violationCount += k.Pipeline.DetectViolations(ctx, snap)
	pipelineDone := time.Now()

	scored := k.Calculator.Compute(ctx, snap)
	if scored.Changed || scored.Label != snap.PriorLabel() {
		if err := k.Scores.UpdateScore(ctx, userID, scored.Score, scored.Label); err != nil {
			return Result{}, fmt.Errorf("cycle persist score: %w", err)
		}
	}
	scoringDone := time.Now()

	timing := events.KernelStageTimingPayload{
		TraceID:     traceID,
		LifecycleMs: lifecycleDone.Sub(started).Milliseconds(),
		PipelineMs:  pipelineDone.Sub(lifecycleDone).Milliseconds(),
		ScoringMs:   scoringDone.Sub(pipelineDone).Milliseconds(),
		TotalMs:     scoringDone.Sub(started).Milliseconds(),
	}
	k.emit(ctx, events.New(userID, now, events.KernelCycleCompletedPayload{
		Score:      scored.Score,
		Violations: violationCount,
		TraceID:    traceID,
	}))
	k.emit(ctx, events.New(userID, now, timing))

	span.SetAttributes(
		attribute.Float64("cadence.score", scored.Score),
		attribute.Int("cadence.violations", violationCount),
	)
	log.Info("cycle completed",
		zap.Float64("score", scored.Score),
		zap.Int("materialized", len(inserted)),
		zap.Int("violations", violationCount),
		zap.Int64("total_ms", timing.TotalMs))

	return Result{
		UserID:       userID,
		TraceID:      traceID,
		Score:        scored.Score,
		Label:        scored.Label,
		Materialized: len(inserted),
		Violations:   violationCount,
		Timing:       timing,
	}, nil
}

func (k *Kernel) emit(ctx context.Context, evt events.Event) {
	if k.Bus != nil {
		k.Bus.Emit(ctx, evt)
	}
}
