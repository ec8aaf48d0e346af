package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"loadline/internal/domain"
	"loadline/internal/engine"
	"loadline/internal/engine/auth"
	"loadline/internal/realtime"
	"loadline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Hub backs the /ws endpoint; nil disables it.
	Hub    *realtime.Hub
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"request r1 is CLOSED: invalid state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// maxBodyBytes caps every buffered request body.
const maxBodyBytes = 1 << 20

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const devTokenTTL = 12 * time.Hour

// New returns an HTTP handler exposing the loadline API and websocket endpoint.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	authn := JWTAuthenticator{Secret: cfg.Auth.JWTSecret}
	router := chi.NewRouter()
	if cfg.Hub != nil {
		router.Handle("/ws", realtime.Handler(cfg.Hub, authn, cfg.Logger))
	}
	router.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large",
						fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes), nil))
					return
				}
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
				ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		})
		r.Use(newAuthMiddleware(basePath, cfg.Auth, authn))
		hcfg := huma.DefaultConfig("Loadline API", "0.1.0")
		hcfg.OpenAPIPath = "/openapi"
		hcfg.DocsPath = ""
		api := humachi.New(r, hcfg)
		group := huma.NewGroup(api, basePath)

		registerDocs(r, basePath)
		registerHealth(group)
		registerMe(group)
		registerStates(group, cfg.Engine)
		registerTeams(group, cfg.Engine)
		registerTension(group, cfg.Engine)
		registerReinforcements(group, cfg.Engine)
		registerSettings(group, cfg.Engine)
		registerAlerts(group, cfg.Engine)
		if cfg.Auth.AllowDevLogin {
			registerDevAuth(group, cfg.Engine, cfg.Auth)
		}
		registerOpenAPI(r, api, basePath)
	})
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrAlreadyResponded):
		return newAPIError(http.StatusConflict, "already_responded", msg, nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Loadline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Realtime updates are served on /ws.
    </p>
  </body>
</html>`, specURL)
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID:      p.UserID,
			Email:       p.Email,
			Role:        p.Role,
			Permissions: nonNilSlice(auth.Permissions(p.Role)),
			Channels:    []string{realtime.UserChannel(p.UserID), realtime.RoleChannel(p.Role)},
		}}, nil
	})
}

// UserPath is embedded by operation inputs. Huma only reads path params from
// exported embedded structs.
type UserPath struct {
	UserID string `path:"user_id"`
}

func registerStates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-human-state",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/state",
		Summary:     "Onboard a user with the default state",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *UserPath) (*struct {
		Body domain.HumanState `json:"body"`
	}, error) {
		if _, err := requireSelfOr(ctx, input.UserID, auth.PermTeamManage); err != nil {
			return nil, err
		}
		s, err := e.CreateHumanState(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HumanState `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-human-state",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/state",
		Summary:     "Current declared state",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *UserPath) (*struct {
		Body domain.HumanState `json:"body"`
	}, error) {
		if _, err := requireSelfOr(ctx, input.UserID, auth.PermStateReadAny); err != nil {
			return nil, err
		}
		s, err := e.GetHumanState(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HumanState `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-human-state",
		Method:      http.MethodPatch,
		Path:        "/users/{user_id}/state",
		Summary:     "Declare workload or availability",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserPath
		Body UpdateStateRequest `json:"body"`
	}) (*struct {
		Body domain.HumanState `json:"body"`
	}, error) {
		if _, err := requireOwner(ctx, input.UserID, auth.PermStateWrite); err != nil {
			return nil, err
		}
		s, err := e.UpdateHumanState(ctx, input.UserID, engine.StatePatch{
			Workload:     input.Body.Workload,
			Availability: input.Body.Availability,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HumanState `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-state-history",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/state/history",
		Summary:     "State changes, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserPath
		Limit int `query:"limit"`
	}) (*struct {
		Body ListResponse[domain.HumanStateHistoryEntry] `json:"body"`
	}, error) {
		if _, err := requireSelfOr(ctx, input.UserID, auth.PermStateReadAny); err != nil {
			return nil, err
		}
		items, err := e.StateHistory(ctx, input.UserID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.HumanStateHistoryEntry] `json:"body"`
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reliability",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/reliability",
		Summary:     "Latest internal reliability score",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *UserPath) (*struct {
		Body domain.ReliabilityScore `json:"body"`
	}, error) {
		if _, err := requireSelfOr(ctx, input.UserID, auth.PermReliabilityReadAny); err != nil {
			return nil, err
		}
		s, err := e.LatestReliability(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReliabilityScore `json:"body"`
		}{Body: s}, nil
	})
}

type TeamPath struct {
	TeamID string `path:"team_id"`
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-team",
		Method:      http.MethodPost,
		Path:        "/teams",
		Summary:     "Create team",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTeamManage); err != nil {
			return nil, err
		}
		t, err := e.CreateTeam(ctx, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List teams",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListResponse[domain.Team] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTensionRead); err != nil {
			return nil, err
		}
		items, err := e.ListTeams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Team] `json:"body"`
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team-members",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/members",
		Summary:     "List team members",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TeamPath) (*struct {
		Body ListResponse[domain.TeamMember] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTensionRead); err != nil {
			return nil, err
		}
		items, err := e.TeamMembers(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.TeamMember] `json:"body"`
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-team-member",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/members",
		Summary:     "Add member",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TeamPath
		Body AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.TeamMember `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTeamManage); err != nil {
			return nil, err
		}
		m, err := e.AddTeamMember(ctx, input.TeamID, input.Body.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TeamMember `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-team-member",
		Method:      http.MethodDelete,
		Path:        "/teams/{team_id}/members/{user_id}",
		Summary:     "Remove member",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamPath
		UserPath
	}) (*struct{}, error) {
		if _, err := requirePermission(ctx, auth.PermTeamManage); err != nil {
			return nil, err
		}
		if err := e.RemoveTeamMember(ctx, input.TeamID, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTension(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compute-tension",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/tension",
		Summary:     "Recompute team tension",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *TeamPath) (*struct {
		Body ComputeTensionResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTensionCompute); err != nil {
			return nil, err
		}
		snap, err := e.ComputeTension(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComputeTensionResponse `json:"body"`
		}{Body: ComputeTensionResponse{Computed: snap != nil, Snapshot: snap}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tension",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tension",
		Summary:     "Latest tension snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *TeamPath) (*struct {
		Body domain.TensionSnapshot `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTensionRead); err != nil {
			return nil, err
		}
		snap, err := e.LatestTension(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TensionSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tension-history",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/tension/history",
		Summary:     "Tension snapshots, newest first",
	}, func(ctx context.Context, input *struct {
		TeamPath
		Limit int `query:"limit"`
	}) (*struct {
		Body ListResponse[domain.TensionSnapshot] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermTensionRead); err != nil {
			return nil, err
		}
		items, err := e.TensionHistory(ctx, input.TeamID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.TensionSnapshot] `json:"body"`
		}{Body: listOf(items)}, nil
	})
}

type RequestPath struct {
	RequestID string `path:"request_id"`
}

func registerReinforcements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-reinforcement",
		Method:      http.MethodPost,
		Path:        "/reinforcements",
		Summary:     "Open a reinforcement request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateReinforcementRequest `json:"body"`
	}) (*struct {
		Body domain.ReinforcementRequest `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReinforcementManage); err != nil {
			return nil, err
		}
		req, err := e.CreateReinforcement(ctx, engine.CreateReinforcementOptions{
			TeamID:         input.Body.TeamID,
			RequiredSkills: input.Body.RequiredSkills,
			UrgencyLevel:   input.Body.UrgencyLevel,
			ExpiresAt:      input.Body.ExpiresAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReinforcementRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reinforcements",
		Method:      http.MethodGet,
		Path:        "/reinforcements",
		Summary:     "List requests of a team, or every open request",
	}, func(ctx context.Context, input *struct {
		TeamID string `query:"team_id"`
	}) (*struct {
		Body ListResponse[domain.ReinforcementRequest] `json:"body"`
	}, error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		items, err := e.ListReinforcements(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.ReinforcementRequest] `json:"body"`
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-reinforcements",
		Method:      http.MethodPost,
		Path:        "/reinforcements/expire",
		Summary:     "Expire every overdue open request",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExpireResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReinforcementManage); err != nil {
			return nil, err
		}
		expired, err := e.ExpireOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpireResponse `json:"body"`
		}{Body: ExpireResponse{Expired: nonNilSlice(expired)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reinforcement",
		Method:      http.MethodGet,
		Path:        "/reinforcements/{request_id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *RequestPath) (*struct {
		Body domain.ReinforcementRequest `json:"body"`
	}, error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		req, err := e.GetReinforcement(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReinforcementRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-reinforcement",
		Method:      http.MethodPatch,
		Path:        "/reinforcements/{request_id}",
		Summary:     "Correct a request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestPath
		Body UpdateReinforcementRequest `json:"body"`
	}) (*struct {
		Body domain.ReinforcementRequest `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReinforcementManage); err != nil {
			return nil, err
		}
		req, err := e.UpdateReinforcement(ctx, input.RequestID, engine.ReinforcementPatch{
			RequiredSkills: input.Body.RequiredSkills,
			UrgencyLevel:   input.Body.UrgencyLevel,
			ExpiresAt:      input.Body.ExpiresAt,
			Status:         input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReinforcementRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-reinforcement",
		Method:      http.MethodDelete,
		Path:        "/reinforcements/{request_id}",
		Summary:     "Delete a request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *RequestPath) (*struct{}, error) {
		if _, err := requirePermission(ctx, auth.PermReinforcementManage); err != nil {
			return nil, err
		}
		if err := e.DeleteReinforcement(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-reinforcement",
		Method:      http.MethodPost,
		Path:        "/reinforcements/{request_id}/responses",
		Summary:     "Accept or refuse a request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestPath
		Body RespondRequest `json:"body"`
	}) (*struct {
		Body domain.ReinforcementResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermReinforcementRespond)
		if err != nil {
			return nil, err
		}
		resp, err := e.Respond(ctx, input.RequestID, p.UserID, input.Body.Response)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReinforcementResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reinforcement-responses",
		Method:      http.MethodGet,
		Path:        "/reinforcements/{request_id}/responses",
		Summary:     "Responses to a request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *RequestPath) (*struct {
		Body ListResponse[domain.ReinforcementResponse] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermReinforcementManage); err != nil {
			return nil, err
		}
		items, err := e.ListResponses(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.ReinforcementResponse] `json:"body"`
		}{Body: listOf(items)}, nil
	})
}

type SettingPath struct {
	Key string `path:"key"`
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "List RH settings",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListResponse[domain.RHSetting] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermSettingsRead); err != nil {
			return nil, err
		}
		items, err := e.ListSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.RHSetting] `json:"body"`
		}{Body: listOf(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-setting",
		Method:      http.MethodGet,
		Path:        "/settings/{key}",
		Summary:     "Get setting",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *SettingPath) (*struct {
		Body domain.RHSetting `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermSettingsRead); err != nil {
			return nil, err
		}
		s, err := e.GetSetting(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RHSetting `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-setting",
		Method:      http.MethodPut,
		Path:        "/settings/{key}",
		Summary:     "Create or overwrite a setting",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SettingPath
		Body SetSettingRequest `json:"body"`
	}) (*struct {
		Body domain.RHSetting `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermSettingsWrite)
		if err != nil {
			return nil, err
		}
		s, err := e.SetSetting(ctx, input.Key, input.Body.Value, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RHSetting `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-setting-history",
		Method:      http.MethodGet,
		Path:        "/settings/{key}/history",
		Summary:     "Audit trail of a setting",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *SettingPath) (*struct {
		Body ListResponse[domain.RHSettingChange] `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermSettingsRead); err != nil {
			return nil, err
		}
		items, err := e.SettingHistory(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.RHSettingChange] `json:"body"`
		}{Body: listOf(items)}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-alert",
		Method:      http.MethodPost,
		Path:        "/alerts",
		Summary:     "Raise an alert for a user or a role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAlertRequest `json:"body"`
	}) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAlertCreate); err != nil {
			return nil, err
		}
		a, err := e.CreateAlert(ctx, engine.AlertOptions{
			UserID:     input.Body.UserID,
			TargetRole: input.Body.TargetRole,
			Severity:   input.Body.Severity,
			Message:    input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "Alerts addressed to the caller or the caller's role",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body ListResponse[domain.Alert] `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAlerts(ctx, p.UserID, p.Role, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Alert] `json:"body"`
		}{Body: listOf(items)}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		if len(requestBody(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		now := time.Now().UTC()
		if e.Now != nil {
			now = e.Now().UTC()
		}
		token, err := SignToken(authCfg.JWTSecret, domain.Principal{UserID: userID, Email: input.Body.Email, Role: input.Body.Role}, now, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{Token: token, ExpiresAt: now.Add(devTokenTTL)}}, nil
	})
}

func requestBody(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
