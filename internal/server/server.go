package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"overseer/internal/app"
	"overseer/internal/engine"
	"overseer/internal/guard"
	"overseer/internal/repo"
	"overseer/internal/safety"
)

// Config for the HTTP API handler.
type Config struct {
	Services *app.Services
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"approve illegal for task t1 in status RUNNING"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Overseer operator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Services.Repo))
	hcfg := huma.DefaultConfig("Overseer API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Services)
	registerHITL(group, cfg.Services)
	registerDocuments(group, cfg.Services)
	registerLocks(group, cfg.Services)
	registerKillSwitch(group, cfg.Services)
	registerSecurity(group, cfg.Services)
	registerAPIKeys(group, cfg.Services)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Services)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, guard.ErrLockTimeout):
		return newAPIError(http.StatusConflict, "lock_timeout", err.Error(), nil)
	case errors.Is(err, guard.ErrReleaseDenied):
		return newAPIError(http.StatusConflict, "release_denied", err.Error(), nil)
	case errors.Is(err, guard.ErrPolicyViolation):
		return newAPIError(http.StatusUnprocessableEntity, "policy_violation", err.Error(), nil)
	case errors.Is(err, guard.ErrChainIntegrity):
		return newAPIError(http.StatusInternalServerError, "chain_integrity_violation", err.Error(), nil)
	case errors.Is(err, safety.ErrRateLimited):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
	case errors.Is(err, safety.ErrHalted):
		return newAPIError(http.StatusServiceUnavailable, "halted", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerSessions(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := svc.Engine.CreateSession(ctx, input.Body.TaskID, input.Body.SourceRef, input.Body.Metadata, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Active bool   `query:"active"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items, err := svc.Repo.ListSessions(ctx, repo.SessionFilters{
			Status:     input.Status,
			ActiveOnly: input.Active,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{task_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := svc.Engine.GetSession(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-history",
		Method:      http.MethodGet,
		Path:        "/sessions/{task_id}/history",
		Summary:     "Session history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, err := svc.Repo.GetSession(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		entries, err := svc.Repo.ListHistory(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{TaskID: input.TaskID, Entries: entries}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{task_id}/approve",
		Summary:     "Approve paused session",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   ResolveRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermHITLApprove); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := svc.Engine.Approve(ctx, input.TaskID, input.Body.Comment, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{task_id}/reject",
		Summary:     "Reject paused session",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   ResolveRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermHITLReject); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := svc.Engine.Reject(ctx, input.TaskID, input.Body.Comment, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rerun-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{task_id}/rerun",
		Summary:     "Request a rerun",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string       `path:"task_id"`
		Body   RerunRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := svc.Engine.RequestRerun(ctx, input.TaskID, engine.RerunOptions{
			FromPhase: input.Body.FromPhase,
			Reset:     input.Body.Reset,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerHITL(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-hitl",
		Method:      http.MethodGet,
		Path:        "/hitl",
		Summary:     "List pending HITL requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []HITLItem `json:"body"`
	}, error) {
		items, err := svc.Engine.ListPendingHITL(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]HITLItem, 0, len(items))
		for _, req := range items {
			res = append(res, HITLItem{
				TaskID:     req.TaskID,
				Checkpoint: req.Checkpoint,
				Context:    req.Context,
				CreatedAt:  req.CreatedAt,
			})
		}
		return &struct {
			Body []HITLItem `json:"body"`
		}{Body: res}, nil
	})
}

// HITLItem is the discovery row shown to operators.
type HITLItem struct {
	TaskID     string         `json:"task_id"`
	Checkpoint string         `json:"checkpoint"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

func registerDocuments(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-change",
		Method:      http.MethodPost,
		Path:        "/documents/changes",
		Summary:     "Apply a graded document change",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body ApplyChangeRequest `json:"body"`
	}) (*struct {
		Body ChangelogEntryResponse `json:"body"`
	}, error) {
		if input.Body.FilePath == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "file_path is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.Kill.Guard(ctx); err != nil {
			return nil, handleError(err)
		}
		if err := svc.Limiter.Allow("document.write", actorID); err != nil {
			return nil, handleError(err)
		}
		entry, err := svc.Guard.ApplyChange(ctx, guard.ChangeRequest{
			FilePath: input.Body.FilePath,
			Content:  input.Body.Content,
			Reason:   input.Body.Reason,
			ActorID:  actorID,
		})
		// A blocked or rejected change still produced a changelog entry;
		// report the entry, the result field carries the outcome.
		if err != nil && (entry.ID == 0 || !errors.Is(err, guard.ErrPolicyViolation)) {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangelogEntryResponse `json:"body"`
		}{Body: changelogResponse(entry, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-changelog",
		Method:      http.MethodGet,
		Path:        "/changelog",
		Summary:     "List changelog entries",
	}, func(ctx context.Context, input *struct {
		FilePath string `query:"file_path"`
		Result   string `query:"result"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []ChangelogEntryResponse `json:"body"`
	}, error) {
		items, err := svc.Repo.ListChangelog(ctx, repo.ChangelogFilters{
			FilePath: input.FilePath,
			Result:   input.Result,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChangelogEntryResponse `json:"body"`
		}{Body: mapChangelog(items, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-changelog",
		Method:      http.MethodPost,
		Path:        "/changelog/verify",
		Summary:     "Verify changelog chain integrity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		res, err := svc.Guard.VerifyChain(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerLocks(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "get-lock",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "Inspect the lock on a path",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FilePath string `query:"file_path" required:"true"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		lock, err := svc.Locks.Holder(ctx, input.FilePath)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: LockResponse{
			LockID:     lock.LockID,
			FilePath:   lock.FilePath,
			Owner:      lock.Owner,
			AcquiredAt: lock.AcquiredAt,
			ExpiresAt:  lock.ExpiresAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-release-lock",
		Method:      http.MethodPost,
		Path:        "/locks/force-release",
		Summary:     "Force release a document lock",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ForceReleaseRequest `json:"body"`
	}) (*struct {
		Body LockResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermLockForceRelease); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evicted, err := svc.Guard.ForceRelease(ctx, input.Body.FilePath, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LockResponse `json:"body"`
		}{Body: LockResponse{
			LockID:     evicted.LockID,
			FilePath:   evicted.FilePath,
			Owner:      evicted.Owner,
			AcquiredAt: evicted.AcquiredAt,
			ExpiresAt:  evicted.ExpiresAt,
		}}, nil
	})
}

// LockResponse mirrors the lock file body.
type LockResponse struct {
	LockID     string `json:"lock_id"`
	FilePath   string `json:"file_path"`
	Owner      string `json:"owner"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

func registerKillSwitch(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "killswitch-status",
		Method:      http.MethodGet,
		Path:        "/killswitch",
		Summary:     "Kill switch status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body KillSwitchResponse `json:"body"`
	}, error) {
		halt, err := svc.Kill.Active(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return &struct {
				Body KillSwitchResponse `json:"body"`
			}{Body: KillSwitchResponse{Halted: false}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KillSwitchResponse `json:"body"`
		}{Body: KillSwitchResponse{Halted: true, Active: &halt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "killswitch-recover",
		Method:      http.MethodPost,
		Path:        "/killswitch/recover",
		Summary:     "Mark kill switch recovered",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RecoverRequest `json:"body"`
	}) (*struct {
		Body KillSwitchResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermKillswitchRecover); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.Kill.MarkRecovered(ctx, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KillSwitchResponse `json:"body"`
		}{Body: KillSwitchResponse{Halted: false}}, nil
	})
}

func registerSecurity(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-security-events",
		Method:      http.MethodGet,
		Path:        "/security/events",
		Summary:     "Recent security events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []SecurityEventItem `json:"body"`
	}, error) {
		items, err := svc.Monitor.Recent(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]SecurityEventItem, 0, len(items))
		for _, e := range items {
			res = append(res, SecurityEventItem{
				ID:       e.ID,
				TS:       e.TS,
				Type:     e.Type,
				Severity: e.Severity,
				Details:  e.Details,
			})
		}
		return &struct {
			Body []SecurityEventItem `json:"body"`
		}{Body: res}, nil
	})
}

type SecurityEventItem struct {
	ID       string         `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"event_type"`
	Severity string         `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

func registerAPIKeys(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := uuid.NewString() + uuid.NewString()
		key, err := svc.Engine.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, raw)
		if err != nil {
			return nil, handleError(err)
		}
		res := apiKeyResponse(key)
		res.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := svc.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := svc.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Overseer API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
