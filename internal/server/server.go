package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"paceline/internal/domain"
	"paceline/internal/engine"
	"paceline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Paceline task API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors surface as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Paceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerOwnerTasks(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrRunningExists) {
		return newAPIError(http.StatusConflict, "running_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "only abandoned tasks"),
		strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type OwnerPath struct {
	Role      string `path:"role" enum:"trainer,client"`
	ContactID string `path:"contact_id"`
}

func (p OwnerPath) owner() (domain.Owner, huma.StatusError) {
	owner := domain.Owner{ContactID: p.ContactID, Role: domain.Role(p.Role)}
	if !domain.ValidRole(owner.Role) {
		return owner, newAPIError(http.StatusBadRequest, "bad_request", "role must be trainer or client", nil)
	}
	if strings.TrimSpace(owner.ContactID) == "" {
		return owner, newAPIError(http.StatusBadRequest, "bad_request", "contact_id is required", nil)
	}
	return owner, nil
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Assistant task counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountTasksByStatus(ctx, domain.Owner{})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Assistant:      e.Config.Assistant.Name,
			TasksByStatus:  counts,
			MonitoredTypes: e.Config.Monitor.TaskTypes,
		}}, nil
	})
}

func registerOwnerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/owners/{role}/{contact_id}/tasks",
		Summary:     "Start a flow for an owner",
	}, func(ctx context.Context, input *struct {
		OwnerPath
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		owner, herr := input.owner()
		if herr != nil {
			return nil, herr
		}
		t, err := e.CreateTask(ctx, owner, input.Body.Type, input.Body.Data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/owners/{role}/{contact_id}/tasks",
		Summary:     "List an owner's tasks",
	}, func(ctx context.Context, input *struct {
		OwnerPath
		Status string `query:"status" enum:"running,completed,stopped,abandoned,resumed"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		owner, herr := input.owner()
		if herr != nil {
			return nil, herr
		}
		tasks, err := e.Repo.ListTasks(ctx, owner, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: toTaskResponses(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "running-task",
		Method:      http.MethodGet,
		Path:        "/owners/{role}/{contact_id}/tasks/running",
		Summary:     "The owner's current running flow",
	}, func(ctx context.Context, input *struct {
		OwnerPath
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		owner, herr := input.owner()
		if herr != nil {
			return nil, herr
		}
		t, err := e.RunningTask(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resumable-task",
		Method:      http.MethodGet,
		Path:        "/owners/{role}/{contact_id}/tasks/resumable",
		Summary:     "Most recent abandoned flow still inside the resume window",
	}, func(ctx context.Context, input *struct {
		OwnerPath
		Type string `query:"type"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		owner, herr := input.owner()
		if herr != nil {
			return nil, herr
		}
		t, err := e.ResumableTask(ctx, owner, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-all-tasks",
		Method:      http.MethodPost,
		Path:        "/owners/{role}/{contact_id}/tasks/stop-all",
		Summary:     "Stop every running flow for the owner",
	}, func(ctx context.Context, input *struct {
		OwnerPath
	}) (*struct {
		Body StopAllResponse `json:"body"`
	}, error) {
		owner, herr := input.owner()
		if herr != nil {
			return nil, herr
		}
		n, err := e.StopAllRunning(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StopAllResponse `json:"body"`
		}{Body: StopAllResponse{Stopped: n}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	type TaskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Fetch one task",
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.TaskByID(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update a task's payload and/or status",
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		opts := engine.TaskUpdateOptions{ID: input.TaskID, Data: input.Body.Data}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-activity",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/activity",
		Summary:     "Record user activity on a running flow",
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.RefreshActivity(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/resume",
		Summary:     "Resume an abandoned flow as a new task",
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		abandoned, err := e.TaskByID(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		fresh, err := e.ResumeTask(ctx, abandoned)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(fresh)}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run one timeout sweep now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: e.Sweep(ctx)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the lifecycle event log",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.EventsAfter(ctx, input.Limit, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/events",
		Summary:     "Event trail of one task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.TaskEvents(ctx, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}
