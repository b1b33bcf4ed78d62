package server

import (
	"encoding/json"

	"cadence/internal/domain"
)

type CycleAcceptedResponse struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id"`
	UserID  string `json:"user_id"`
	Status  string `json:"status" enum:"queued"`
}

type LockoutResponse struct {
	UserID                 string `json:"user_id"`
	Locked                 bool   `json:"locked"`
	LockedUntil            string `json:"locked_until,omitempty" format:"date-time"`
	AcknowledgmentRequired bool   `json:"acknowledgment_required"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	UserID  string         `json:"user_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{ID: e.ID, TS: e.TS, Type: e.Type, UserID: e.UserID, Payload: payload}
}

type JobResponse struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	TraceID    string `json:"trace_id"`
	Status     string `json:"status" enum:"queued,running,done,dead"`
	Attempts   int    `json:"attempts"`
	EnqueuedAt string `json:"enqueued_at" format:"date-time"`
	RunAfter   string `json:"run_after" format:"date-time"`
	LastError  string `json:"last_error,omitempty"`
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		UserID:     j.UserID,
		TraceID:    j.TraceID,
		Status:     j.Status,
		Attempts:   j.Attempts,
		EnqueuedAt: j.EnqueuedAt,
		RunAfter:   j.RunAfter,
		LastError:  j.LastError,
	}
}
