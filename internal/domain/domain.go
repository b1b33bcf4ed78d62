package domain

import "time"

// InstanceStatus is the lifecycle state of one scheduled occurrence.
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "PENDING"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusLate      InstanceStatus = "LATE"
	StatusMissed    InstanceStatus = "MISSED"
)

// EnforcementMode governs whether violations trigger lockout.
type EnforcementMode string

const (
	ModeNone EnforcementMode = "NONE"
	ModeSoft EnforcementMode = "SOFT"
	ModeHard EnforcementMode = "HARD"
)

// Classification labels derived from the score.
const (
	LabelExemplary = "EXEMPLARY"
	LabelCompliant = "COMPLIANT"
	LabelAtRisk    = "AT_RISK"
)

type User struct {
	ID                     string          `json:"id"`
	Email                  string          `json:"email,omitempty"`
	RoleID                 string          `json:"role_id,omitempty"`
	PolicyID               string          `json:"policy_id,omitempty"`
	EnforcementMode        EnforcementMode `json:"enforcement_mode,omitempty"`
	Score                  float64         `json:"score"`
	Classification         string          `json:"classification,omitempty"`
	LockedUntil            *time.Time      `json:"locked_until,omitempty" format:"date-time"`
	AcknowledgmentRequired bool            `json:"acknowledgment_required"`
	CreatedAt              string          `json:"created_at" format:"date-time"`
}

type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PolicyID string `json:"policy_id,omitempty"`
}

type Policy struct {
	ID              string          `json:"id"`
	Scope           string          `json:"scope" enum:"system,role,user"`
	EnforcementMode EnforcementMode `json:"enforcement_mode" enum:"NONE,SOFT,HARD"`
	RulesJSON       string          `json:"rules_json,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
}

// UserPolicy is a user joined with the stored policy that applies to them.
// Policy is nil when neither the user nor their role carries one.
type UserPolicy struct {
	User   User
	Policy *Policy
}

type ActionDefinition struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	Title           string `json:"title"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Frequency       string `json:"frequency"`
	Strict          bool   `json:"strict"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type ActionInstance struct {
	ID             string         `json:"id"`
	ActionID       string         `json:"action_id"`
	UserID         string         `json:"user_id"`
	ScheduledDate  string         `json:"scheduled_date"`
	ScheduledStart time.Time      `json:"scheduled_start" format:"date-time"`
	ScheduledEnd   time.Time      `json:"scheduled_end" format:"date-time"`
	Status         InstanceStatus `json:"status" enum:"PENDING,COMPLETED,LATE,MISSED"`
	ExecutedAt     *time.Time     `json:"executed_at,omitempty" format:"date-time"`
}

// Terminal reports whether the kernel must leave the instance alone.
func (i ActionInstance) Terminal() bool {
	return i.Status != StatusPending
}

type DisciplineException struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason,omitempty"`
	Approved   bool      `json:"approved"`
	ValidFrom  time.Time `json:"valid_from" format:"date-time"`
	ValidUntil time.Time `json:"valid_until" format:"date-time"`
}

// ActiveAt reports whether the exception suppresses enforcement at t.
func (e DisciplineException) ActiveAt(t time.Time) bool {
	return e.Approved && !t.Before(e.ValidFrom) && !t.After(e.ValidUntil)
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	Payload string `json:"payload_json"`
}

type Job struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	TraceID        string `json:"trace_id"`
	Status         string `json:"status" enum:"queued,running,done,dead"`
	Attempts       int    `json:"attempts"`
	EnqueuedAt     string `json:"enqueued_at" format:"date-time"`
	RunAfter       string `json:"run_after" format:"date-time"`
	LeaseOwner     string `json:"lease_owner,omitempty"`
	LeaseExpiresAt string `json:"lease_expires_at,omitempty" format:"date-time"`
	LastError      string `json:"last_error,omitempty"`
}
