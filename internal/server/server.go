package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cadence/internal/app"
	"cadence/internal/enforcement"
	"cadence/internal/queue"
	"cadence/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"user not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the cadence trigger and state API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.App.Logger.Named("auth")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("cadence API", "0.1.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCycles(group, cfg.App)
	registerState(group, cfg.App)
	registerLockout(group, cfg.App)
	registerEvents(group, cfg.App)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, repo.ErrTerminal):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type userPath struct {
	UserID string `path:"user_id" minLength:"1"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCycles(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-cycle",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/cycles",
		Summary:       "Queue a discipline cycle for a user",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body CycleAcceptedResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.UserID, false); err != nil {
			return nil, err
		}
		if _, err := a.Repo.GetUser(ctx, input.UserID); err != nil {
			return nil, handleError(err)
		}
		job, err := a.Queue.Enqueue(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleAcceptedResponse `json:"body"`
		}{Body: CycleAcceptedResponse{JobID: job.ID, TraceID: job.TraceID, UserID: job.UserID, Status: job.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Inspect a queued cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := a.Queue.Get(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := authorizeUser(ctx, job.UserID, true); err != nil {
			return nil, err
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

func registerState(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/state",
		Summary:     "Score, drift and lockout state for a user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body app.UserState `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.UserID, true); err != nil {
			return nil, err
		}
		st, err := a.State(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body app.UserState `json:"body"`
		}{Body: st}, nil
	})
}

func lockoutResponse(ctx context.Context, a *app.App, userID string) (LockoutResponse, error) {
	u, err := a.Repo.GetUser(ctx, userID)
	if err != nil {
		return LockoutResponse{}, err
	}
	resp := LockoutResponse{
		UserID:                 u.ID,
		Locked:                 enforcement.IsLocked(u.LockedUntil, a.Now()),
		AcknowledgmentRequired: u.AcknowledgmentRequired,
	}
	if u.LockedUntil != nil {
		resp.LockedUntil = u.LockedUntil.UTC().Format(time.RFC3339)
	}
	return resp, nil
}

func registerLockout(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "unlock-user",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/unlock",
		Summary:     "Lift an active lockout",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body LockoutResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.UserID, false); err != nil {
			return nil, err
		}
		if err := a.Enforcement.Unlock(ctx, input.UserID); err != nil {
			return nil, handleError(err)
		}
		resp, err := lockoutResponse(ctx, a, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockoutResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-lockout",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/acknowledge",
		Summary:     "Acknowledge a lockout",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body LockoutResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.UserID, true); err != nil {
			return nil, err
		}
		if err := a.Enforcement.Acknowledge(ctx, input.UserID); err != nil {
			return nil, handleError(err)
		}
		resp, err := lockoutResponse(ctx, a, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockoutResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-user-events",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/events",
		Summary:     "Recent journaled events for a user",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if err := authorizeUser(ctx, input.UserID, true); err != nil {
			return nil, err
		}
		items, err := a.Journal.Tail(ctx, input.Limit, input.UserID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []EventResponse{}}
		for _, e := range items {
			resp.Items = append(resp.Items, eventResponse(e))
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}
