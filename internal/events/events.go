// Package events defines the domain events and the in-process bus that delivers them.
package events

import "time"

// Type discriminates domain events.
type Type string

const (
	InstanceMaterialized Type = "INSTANCE_MATERIALIZED"
	ViolationDetected    Type = "VIOLATION_DETECTED"
	ScoreUpdated         Type = "SCORE_UPDATED"
	KernelCycleCompleted Type = "KERNEL_CYCLE_COMPLETED"
	KernelStageTiming    Type = "KERNEL_STAGE_TIMING"
)

// ReasonMissedAction is the only violation reason emitted today.
const ReasonMissedAction = "MISSED_ACTION"

// Payload is implemented only by the payload types in this package, which
// keeps the set of event kinds closed.
type Payload interface {
	EventType() Type
}

// Event is a transient domain event. It lives only on the bus.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Payload   Payload   `json:"payload"`
}

// New stamps an event with its payload's type.
func New(userID string, ts time.Time, p Payload) Event {
	return Event{Type: p.EventType(), Timestamp: ts, UserID: userID, Payload: p}
}

type InstanceMaterializedPayload struct {
	InstanceID   string    `json:"instanceId"`
	ActionID     string    `json:"actionId"`
	ScheduledFor time.Time `json:"scheduledFor"`
}

func (InstanceMaterializedPayload) EventType() Type { return InstanceMaterialized }

type ViolationDetectedPayload struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
	PolicyID   string `json:"policyId"`
}

func (ViolationDetectedPayload) EventType() Type { return ViolationDetected }

type ScoreUpdatedPayload struct {
	OldScore float64 `json:"oldScore"`
	NewScore float64 `json:"newScore"`
	Reason   string  `json:"reason"`
}

func (ScoreUpdatedPayload) EventType() Type { return ScoreUpdated }

type KernelCycleCompletedPayload struct {
	Score      float64 `json:"score"`
	Violations int     `json:"violations"`
	TraceID    string  `json:"traceId"`
}

func (KernelCycleCompletedPayload) EventType() Type { return KernelCycleCompleted }

type KernelStageTimingPayload struct {
	TraceID     string `json:"traceId"`
	LifecycleMs int64  `json:"lifecycleMs"`
	PipelineMs  int64  `json:"pipelineMs"`
	ScoringMs   int64  `json:"scoringMs"`
	TotalMs     int64  `json:"totalMs"`
}

func (KernelStageTimingPayload) EventType() Type { return KernelStageTiming }
