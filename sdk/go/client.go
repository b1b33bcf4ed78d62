// Package cadencesdk is a minimal client for the cadence HTTP API.
package cadencesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal cadence HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// CycleAccepted is returned when a cycle is queued.
type CycleAccepted struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id"`
	UserID  string `json:"user_id"`
	Status  string `json:"status"`
}

// Job is the queue record behind a triggered cycle.
type Job struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	TraceID    string `json:"trace_id"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	EnqueuedAt string `json:"enqueued_at"`
	RunAfter   string `json:"run_after"`
	LastError  string `json:"last_error,omitempty"`
}

type Tally struct {
	Completed int `json:"completed"`
	Late      int `json:"late"`
	Missed    int `json:"missed"`
}

type Drift struct {
	ActionID string  `json:"action_id"`
	Negative float64 `json:"negative"`
	Positive float64 `json:"positive"`
}

// State is a user's score, drift and lockout view.
type State struct {
	UserID                 string     `json:"user_id"`
	Score                  float64    `json:"score"`
	WeightedScore          float64    `json:"weighted_score"`
	Classification         string     `json:"classification"`
	Tally                  Tally      `json:"tally"`
	Drift                  []Drift    `json:"drift"`
	Pressure               float64    `json:"pressure"`
	EnforcementMode        string     `json:"enforcement_mode"`
	PolicyID               string     `json:"policy_id,omitempty"`
	Locked                 bool       `json:"locked"`
	LockedUntil            *time.Time `json:"locked_until,omitempty"`
	AcknowledgmentRequired bool       `json:"acknowledgment_required"`
	StoredScore            float64    `json:"stored_score"`
}

// Lockout is returned by Unlock and Acknowledge.
type Lockout struct {
	UserID                 string `json:"user_id"`
	Locked                 bool   `json:"locked"`
	LockedUntil            string `json:"locked_until,omitempty"`
	AcknowledgmentRequired bool   `json:"acknowledgment_required"`
}

// Event is a journaled kernel event.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	UserID  string         `json:"user_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health checks the API is up. It needs no token.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil)
}

// EnqueueCycle queues one kernel cycle for userID and returns immediately.
func (c *Client) EnqueueCycle(ctx context.Context, userID string) (CycleAccepted, error) {
	var resp CycleAccepted
	err := c.do(ctx, http.MethodPost, c.userPath(userID, "cycles"), &resp)
	return resp, err
}

// GetJob fetches the queue record of a triggered cycle.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), &resp)
	return resp, err
}

func (c *Client) GetState(ctx context.Context, userID string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, c.userPath(userID, "state"), &resp)
	return resp, err
}

func (c *Client) Unlock(ctx context.Context, userID string) (Lockout, error) {
	var resp Lockout
	err := c.do(ctx, http.MethodPost, c.userPath(userID, "unlock"), &resp)
	return resp, err
}

func (c *Client) Acknowledge(ctx context.Context, userID string) (Lockout, error) {
	var resp Lockout
	err := c.do(ctx, http.MethodPost, c.userPath(userID, "acknowledge"), &resp)
	return resp, err
}

// Events returns a user's latest events, newest first. An empty evtType
// returns every type.
func (c *Client) Events(ctx context.Context, userID, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.userPath(userID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(bytes.NewReader(b)).Decode(&env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) userPath(userID, p string) string {
	return fmt.Sprintf("users/%s/%s", url.PathEscape(userID), p)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
