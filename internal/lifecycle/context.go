package lifecycle

import (
	"time"

	"cadence/internal/domain"
	"cadence/internal/policy"
)

// Draft is the mutable form of a cycle snapshot, filled in by Load.
type Draft struct {
	UserID                 string
	TraceID                string
	Timestamp              time.Time
	Location               *time.Location
	Policy                 policy.Effective
	PriorScore             float64
	PriorLabel             string
	LockedUntil            *time.Time
	AcknowledgmentRequired bool
	WindowStart            string
	WindowEnd              string
	Instances              []domain.ActionInstance
}

// Freeze copies the draft into an immutable DisciplineContext.
func (d Draft) Freeze() DisciplineContext {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return DisciplineContext{
		userID:      d.UserID,
		traceID:     d.TraceID,
		timestamp:   d.Timestamp,
		location:    loc,
		policy:      d.Policy,
		priorScore:  d.PriorScore,
		priorLabel:  d.PriorLabel,
		lockedUntil: copyTime(d.LockedUntil),
		ackRequired: d.AcknowledgmentRequired,
		windowStart: d.WindowStart,
		windowEnd:   d.WindowEnd,
		instances:   copyInstances(d.Instances),
	}
}

// DisciplineContext is the read-only view of one user at cycle start. Every
// stage of a cycle reads it; none can change it.
type DisciplineContext struct {
	userID      string
	traceID     string
	timestamp   time.Time
	location    *time.Location
	policy      policy.Effective
	priorScore  float64
	priorLabel  string
	lockedUntil *time.Time
	ackRequired bool
	windowStart string
	windowEnd   string
	instances   []domain.ActionInstance
}

func (c DisciplineContext) UserID() string               { return c.userID }
func (c DisciplineContext) TraceID() string              { return c.traceID }
func (c DisciplineContext) Timestamp() time.Time         { return c.timestamp }
func (c DisciplineContext) Policy() policy.Effective     { return c.policy }
func (c DisciplineContext) PriorScore() float64          { return c.priorScore }
func (c DisciplineContext) PriorLabel() string           { return c.priorLabel }
func (c DisciplineContext) AcknowledgmentRequired() bool { return c.ackRequired }
func (c DisciplineContext) LockedUntil() *time.Time      { return copyTime(c.lockedUntil) }

// Location is the calendar the snapshot's dates are expressed in.
func (c DisciplineContext) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Window returns the inclusive date range the instances were loaded for.
func (c DisciplineContext) Window() (start, end string) { return c.windowStart, c.windowEnd }

// Today is the cycle date in the snapshot's location.
func (c DisciplineContext) Today() string {
	return c.timestamp.In(c.Location()).Format(dateLayout)
}

// Instances returns a copy of the loaded instance window.
func (c DisciplineContext) Instances() []domain.ActionInstance {
	return copyInstances(c.instances)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInstances(in []domain.ActionInstance) []domain.ActionInstance {
	if in == nil {
		return nil
	}
	out := make([]domain.ActionInstance, len(in))
	for i, inst := range in {
		inst.ExecutedAt = copyTime(inst.ExecutedAt)
		out[i] = inst
	}
	return out
}
