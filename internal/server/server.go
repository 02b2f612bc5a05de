package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/engine"
	"github.com/buyrs/BM-sub005/internal/engine/auth"
	"github.com/buyrs/BM-sub005/internal/repo"
	"github.com/buyrs/BM-sub005/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid bail_mobilite status transition assigned -> in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reasons\":[\"entry checklist has not been validated by ops\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output wraps a response body for huma.
type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the tenancy API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", telemetry.Handler())
	hcfg := huma.DefaultConfig("Bail Mobilite API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	roles := cfg.Auth.Roles
	registerDocs(router, basePath)
	registerHealth(group)
	registerBails(group, cfg.Engine, roles)
	registerMissions(group, cfg.Engine, roles)
	registerLifecycle(group, cfg.Engine, roles)
	registerIncidents(group, cfg.Engine, roles)
	registerActions(group, cfg.Engine, roles)
	registerSignatures(group, cfg.Engine, roles)
	registerSigning(group, cfg.Engine)
	registerNotifications(group, cfg.Engine, roles)
	registerEvents(group, cfg.Engine, roles)
	registerRefs(group, cfg.Engine, roles)
	registerMe(group, roles)
	registerOpenAPI(router, api, basePath)

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
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity":  te.Entity,
			"from":    te.From,
			"to":      te.To,
			"reasons": nonNilSlice(te.Reasons),
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrInvalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

// requirePermission checks the caller against roles and returns its actor id.
func requirePermission(ctx context.Context, roles auth.Service, perm string) (string, error) {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if err := roles.Require(principal, perm); err != nil {
		return "", err
	}
	return principal.ActorID, nil
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	for route, item := range oas.Paths {
		public := publicPath(basePath, route)
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public {
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
    <title>Bail Mobilite API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Signing links need no token.
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

type idPath struct {
	ID string `path:"id"`
}

func registerBails(api huma.API, e engine.Engine, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bail",
		Method:        http.MethodPost,
		Path:          "/bails",
		Summary:       "Create tenancy",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBailRequest `json:"body"`
	}) (*output[domain.BailMobilite], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := requirePermission(ctx, roles, auth.PermBailWrite)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.BailCreateOptions{
			StartDate:   input.Body.StartDate,
			EndDate:     input.Body.EndDate,
			TenantName:  input.Body.TenantName,
			TenantEmail: input.Body.TenantEmail,
			TenantPhone: input.Body.TenantPhone,
			Address:     input.Body.Address,
			Notes:       input.Body.Notes,
			OpsUserID:   input.Body.OpsUserID,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		bm, err := e.CreateBailMobilite(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(bm), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bails",
		Method:      http.MethodGet,
		Path:        "/bails",
		Summary:     "List tenancies",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"assigned,in_progress,completed,incident"`
		OpsUserID string `query:"ops_user_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*output[[]domain.BailMobilite], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListBailMobilites(ctx, repo.BailFilters{
			Status:    input.Status,
			OpsUserID: input.OpsUserID,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bail",
		Method:      http.MethodGet,
		Path:        "/bails/{id}",
		Summary:     "Get tenancy with missions, checklists, signatures, incidents and notifications",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[engine.BailDetail], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		detail, err := e.GetBailDetail(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(detail), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-tenant-signature",
		Method:      http.MethodPost,
		Path:        "/bails/{id}/signatures",
		Summary:     "Record the tenant signature for entry or exit",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body TenantSignatureRequest `json:"body"`
	}) (*output[domain.BailMobiliteSignature], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermMissionExecute)
		if err != nil {
			return nil, handleError(err)
		}
		ip, ua := clientInfo(ctx)
		sig, err := e.RecordTenantSignature(ctx, engine.TenantSignatureInput{
			BailMobiliteID: input.ID,
			Kind:           domain.MissionKind(input.Body.Kind),
			TemplateID:     input.Body.TemplateID,
			Signature:      input.Body.Signature,
			IPAddress:      ip,
			UserAgent:      ua,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(sig), nil
	})
}

func registerMissions(api huma.API, e engine.Engine, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-mission",
		Method:      http.MethodPost,
		Path:        "/bails/{id}/missions/{kind}/assign",
		Summary:     "Assign the entry or exit mission to a checker",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Kind string               `path:"kind" enum:"entry,exit"`
		Body AssignMissionRequest `json:"body"`
	}) (*output[domain.Mission], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermMissionAssign)
		if err != nil {
			return nil, handleError(err)
		}
		if strings.TrimSpace(input.Body.CheckerID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "checker_id is required", nil)
		}
		assign := e.AssignEntry
		if domain.MissionKind(input.Kind) == domain.MissionExit {
			assign = e.AssignExit
		}
		m, err := assign(ctx, input.ID, input.Body.CheckerID, input.Body.ScheduledAt, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Mission], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		m, err := e.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	moves := []struct {
		op, verb, summary string
		run func(ctx context.Context, id, notes, actorID string) (domain.Mission, error)
	}{
		{"start-mission", "start", "Start mission", func(ctx context.Context, id, _, actorID string) (domain.Mission, error) {
			return e.StartMission(ctx, id, actorID)
		}},
		{"complete-mission", "complete", "Complete mission", e.CompleteMission},
		{"cancel-mission", "cancel", "Cancel mission", e.CancelMission},
	}
	for _, mv := range moves {
		run := mv.run
		huma.Register(api, huma.Operation{
			OperationID: mv.op,
			Method:      http.MethodPost,
			Path:        "/missions/{id}/" + mv.verb,
			Summary:     mv.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ID   string       `path:"id"`
			Body NotesRequest `json:"body" required:"false"`
		}) (*output[domain.Mission], error) {
			actorID, err := requirePermission(ctx, roles, auth.PermMissionExecute)
			if err != nil {
				return nil, handleError(err)
			}
			m, err := run(ctx, input.ID, input.Body.Notes, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(m), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "submit-checklist",
		Method:      http.MethodPut,
		Path:        "/missions/{id}/checklist",
		Summary:     "Submit the inspection checklist",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body ChecklistRequest `json:"body"`
	}) (*output[domain.Checklist], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermChecklistSubmit)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.SubmitChecklist(ctx, input.ID, engine.ChecklistInput{
			KeysReturned: input.Body.KeysReturned,
			Areas:        input.Body.Areas,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/missions/{id}/checklist",
		Summary:     "Get the mission checklist",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Checklist], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetChecklist(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-entry",
		Method:      http.MethodPost,
		Path:        "/bails/{id}/validate-entry",
		Summary:     "Validate the entry inspection and start the tenancy",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body NotesRequest `json:"body" required:"false"`
	}) (*output[ValidateEntryResponse], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermLifecycleValidate)
		if err != nil {
			return nil, handleError(err)
		}
		bm, res, err := e.ValidateEntry(ctx, input.ID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ValidateEntryResponse{BailMobilite: bm, Gate: res}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-exit",
		Method:      http.MethodPost,
		Path:        "/bails/{id}/validate-exit",
		Summary:     "Validate the exit inspection and run incident detection",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body NotesRequest `json:"body" required:"false"`
	}) (*output[engine.DetectionResult], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermLifecycleValidate)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ValidateExit(ctx, input.ID, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detect-incidents",
		Method:      http.MethodPost,
		Path:        "/bails/{id}/detect-incidents",
		Summary:     "Re-run incident detection on an in-progress tenancy",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*output[engine.DetectionResult], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermLifecycleValidate)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ProcessIncidentDetection(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func registerIncidents(api huma.API, e engine.Engine, roles auth.Service) {
	type incidentOutput struct {
		Incident domain.IncidentReport     `json:"incident"`
		Actions  []domain.CorrectiveAction `json:"corrective_actions"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "report-incident",
		Method:        http.MethodPost,
		Path:          "/bails/{id}/incidents",
		Summary:       "Report an incident",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body IncidentRequest `json:"body"`
	}) (*output[incidentOutput], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermIncidentWrite)
		if err != nil {
			return nil, handleError(err)
		}
		report, actions, err := e.HandleIncident(ctx, input.ID, engine.IncidentOptions{
			Type:        input.Body.Type,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Severity:    domain.Severity(input.Body.Severity),
			MissionID:   input.Body.MissionID,
			Actions:     actionSpecs(input.Body.Actions),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(incidentOutput{Incident: report, Actions: nonNilSlice(actions)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/bails/{id}/incidents",
		Summary:     "List incidents of a tenancy",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status" enum:"open,in_progress,resolved,closed"`
	}) (*output[[]domain.IncidentReport], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		var statuses []domain.IncidentStatus
		if input.Status != "" {
			statuses = append(statuses, domain.IncidentStatus(input.Status))
		}
		items, err := e.ListIncidents(ctx, input.ID, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-incident",
		Method:      http.MethodPost,
		Path:        "/bails/{id}/resolve",
		Summary:     "Resolve open incidents and resume or complete the tenancy",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ResolveIncidentRequest `json:"body"`
	}) (*output[domain.BailMobilite], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermIncidentWrite)
		if err != nil {
			return nil, handleError(err)
		}
		bm, err := e.ResolveIncident(ctx, input.ID, domain.BailStatus(input.Body.TargetStatus), input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(bm), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-corrective-action",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/actions",
		Summary:     "Attach a corrective action to an incident",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ActionRequest `json:"body"`
	}) (*output[domain.CorrectiveAction], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermActionWrite)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.AddCorrectiveAction(ctx, input.ID, actionSpec(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}

func registerActions(api huma.API, e engine.Engine, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List corrective actions",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		BailMobiliteID   string `query:"bail_mobilite_id"`
		IncidentReportID string `query:"incident_report_id"`
		Status           string `query:"status" enum:"pending,in_progress,completed,cancelled"`
	}) (*output[[]domain.CorrectiveAction], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		f := repo.ActionFilters{
			BailMobiliteID:   input.BailMobiliteID,
			IncidentReportID: input.IncidentReportID,
		}
		if input.Status != "" {
			f.Statuses = []domain.ActionStatus{domain.ActionStatus(input.Status)}
		}
		items, err := e.ListCorrectiveActions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-overdue-actions",
		Method:      http.MethodGet,
		Path:        "/actions/overdue",
		Summary:     "List unfinished corrective actions past their due date",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.CorrectiveAction], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListOverdueCorrectiveActions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	moves := []struct {
		verb string
		run  func(ctx context.Context, id, notes, actorID string) (domain.CorrectiveAction, error)
	}{
		{"start", func(ctx context.Context, id, _, actorID string) (domain.CorrectiveAction, error) {
			return e.StartCorrectiveAction(ctx, id, actorID)
		}},
		{"complete", e.CompleteCorrectiveAction},
		{"cancel", func(ctx context.Context, id, _, actorID string) (domain.CorrectiveAction, error) {
			return e.CancelCorrectiveAction(ctx, id, actorID)
		}},
	}
	for _, mv := range moves {
		run := mv.run
		huma.Register(api, huma.Operation{
			OperationID: mv.verb + "-action",
			Method:      http.MethodPost,
			Path:        "/actions/{id}/" + mv.verb,
			Summary:     strings.ToUpper(mv.verb[:1]) + mv.verb[1:] + " corrective action",
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ID   string       `path:"id"`
			Body NotesRequest `json:"body" required:"false"`
		}) (*output[domain.CorrectiveAction], error) {
			actorID, err := requirePermission(ctx, roles, auth.PermActionWrite)
			if err != nil {
				return nil, handleError(err)
			}
			a, err := run(ctx, input.ID, input.Body.Notes, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(a), nil
		})
	}
}

func registerSignatures(api huma.API, e engine.Engine, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create contract template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*output[domain.ContractTemplate], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermSignatureAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateContractTemplate(ctx, engine.TemplateOptions{
			Name:    input.Body.Name,
			Kind:    domain.MissionKind(input.Body.Kind),
			Content: input.Body.Content,
			Active:  input.Body.Active,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get contract template",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.ContractTemplate], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetContractTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-sign-template",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/admin-sign",
		Summary:     "Sign and activate a contract template",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body AdminSignRequest `json:"body"`
	}) (*output[domain.ContractTemplate], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermSignatureAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.AdminSignTemplate(ctx, input.ID, input.Body.Signature, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-step",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/steps",
		Summary:     "Add a signing step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AddStepRequest `json:"body"`
	}) (*output[domain.SignatureWorkflowStep], error) {
		if _, err := requirePermission(ctx, roles, auth.PermSignatureAdmin); err != nil {
			return nil, handleError(err)
		}
		required := true
		if input.Body.IsRequired != nil {
			required = *input.Body.IsRequired
		}
		s, err := e.AddWorkflowStep(ctx, engine.StepOptions{
			TemplateID:      input.ID,
			PartyID:         input.Body.PartyID,
			Name:            input.Body.Name,
			Order:           input.Body.Order,
			IsRequired:      required,
			TimeoutHours:    input.Body.TimeoutHours,
			ValidationRules: input.Body.ValidationRules,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/templates/{id}/steps",
		Summary:     "List signing steps in order",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *idPath) (*output[[]domain.SignatureWorkflowStep], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		steps, err := e.ListWorkflowSteps(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(steps)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-party",
		Method:        http.MethodPost,
		Path:          "/parties",
		Summary:       "Create signature party",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePartyRequest `json:"body"`
	}) (*output[domain.SignatureParty], error) {
		if _, err := requirePermission(ctx, roles, auth.PermSignatureAdmin); err != nil {
			return nil, handleError(err)
		}
		p, err := e.CreateParty(ctx, input.Body.Name, input.Body.Email, input.Body.Phone, domain.PartyRole(input.Body.Role))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-invitation",
		Method:        http.MethodPost,
		Path:          "/steps/{id}/invitations",
		Summary:       "Issue a signing link for a step",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *idPath) (*output[IssuedInvitationResponse], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermSignatureAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		inv, url, err := e.IssueInvitation(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(IssuedInvitationResponse{Invitation: inv, Token: inv.Token, URL: url}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invitation",
		Method:      http.MethodGet,
		Path:        "/invitations/{id}",
		Summary:     "Get invitation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.SignatureInvitation], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		inv, err := e.GetInvitation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(inv), nil
	})

	marks := map[string]func(ctx context.Context, id string, meta map[string]string, actorID string) (domain.SignatureInvitation, error){
		"sent":      e.MarkInvitationSent,
		"delivered": e.MarkInvitationDelivered,
		"opened":    e.MarkInvitationOpened,
		"failed":    e.MarkInvitationFailed,
		"cancel": func(ctx context.Context, id string, _ map[string]string, actorID string) (domain.SignatureInvitation, error) {
			return e.CancelInvitation(ctx, id, actorID)
		},
	}
	for verb, run := range marks {
		huma.Register(api, huma.Operation{
			OperationID: "invitation-" + verb,
			Method:      http.MethodPost,
			Path:        "/invitations/{id}/" + verb,
			Summary:     "Move invitation: " + verb,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *struct {
			ID   string                `path:"id"`
			Body InvitationMarkRequest `json:"body" required:"false"`
		}) (*output[domain.SignatureInvitation], error) {
			actorID, err := requirePermission(ctx, roles, auth.PermSignatureAdmin)
			if err != nil {
				return nil, handleError(err)
			}
			inv, err := run(ctx, input.ID, input.Body.Metadata, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return respond(inv), nil
		})
	}
}

// registerSigning exposes the token-authenticated signing links.
func registerSigning(api huma.API, e engine.Engine) {
	type tokenPath struct {
		Token string `path:"token"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "open-signing-link",
		Method:      http.MethodGet,
		Path:        "/sign/{token}",
		Summary:     "Open a signing link",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *tokenPath) (*output[SigningViewResponse], error) {
		inv, err := e.FindInvitationByToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		if inv == nil {
			return nil, newAPIError(http.StatusNotFound, "invitation_invalid", engine.MsgInvitationInvalid, nil)
		}
		step, err := e.Repo.GetWorkflowStep(ctx, nil, inv.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		party, err := e.Repo.GetSignatureParty(ctx, nil, inv.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		tpl, err := e.GetContractTemplate(ctx, inv.ContractTemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		if inv.Status == domain.InvitationSent || inv.Status == domain.InvitationDelivered {
			ip, ua := clientInfo(ctx)
			if opened, err := e.MarkInvitationOpened(ctx, inv.ID, map[string]string{"ip_address": ip, "user_agent": ua}, party.ID); err == nil {
				inv = &opened
			}
		}
		return respond(SigningViewResponse{
			InvitationID:    inv.ID,
			Status:          inv.Status,
			ExpiresAt:       inv.ExpiresAt,
			StepName:        step.Name,
			StepOrder:       step.Order,
			PartyName:       party.Name,
			PartyRole:       party.Role,
			TemplateName:    tpl.Name,
			TemplateContent: tpl.Content,
			ValidationRules: nonNilSlice(step.ValidationRules),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-signature",
		Method:      http.MethodPost,
		Path:        "/sign/{token}",
		Summary:     "Submit a signature through a signing link",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Token string      `path:"token"`
		Body  SignRequest `json:"body"`
	}) (*output[engine.SignatureResult], error) {
		data := input.Body.data()
		ip, ua := clientInfo(ctx)
		if data.IPAddress == "" {
			data.IPAddress = ip
		}
		if data.UserAgent == "" {
			data.UserAgent = ua
		}
		res, err := e.SubmitSignature(ctx, input.Token, data)
		if err != nil {
			return nil, handleError(err)
		}
		if len(res.Errors) > 0 {
			return nil, newAPIError(http.StatusUnprocessableEntity, "signature_rejected", res.Errors[0], map[string]any{"errors": res.Errors})
		}
		return respond(res), nil
	})
}

func registerNotifications(api huma.API, e engine.Engine, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		BailMobiliteID string `query:"bail_mobilite_id"`
		RecipientID    string `query:"recipient_id"`
		Status         string `query:"status" enum:"pending,sent,cancelled"`
		Limit          int    `query:"limit" default:"50"`
	}) (*output[[]domain.Notification], error) {
		if _, err := requirePermission(ctx, roles, auth.PermNotificationRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListNotifications(ctx, repo.NotificationFilters{
			BailMobiliteID: input.BailMobiliteID,
			RecipientID:    input.RecipientID,
			Status:         input.Status,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-notifications",
		Method:      http.MethodPost,
		Path:        "/bails/{id}/notifications/cancel",
		Summary:     "Cancel pending notifications of a tenancy",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*output[CountResponse], error) {
		actorID, err := requirePermission(ctx, roles, auth.PermNotificationWrite)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.CancelScheduledNotifications(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(CountResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/notifications/sweep",
		Summary:     "Run the background sweep once",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[SweepResponse], error) {
		if _, err := requirePermission(ctx, roles, auth.PermNotificationWrite); err != nil {
			return nil, handleError(err)
		}
		return respond(SweepResponse{Counts: e.Worker().Sweep(ctx)}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List journal events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			AfterID:    cursorID,
			Limit:      limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if cursorID > 0 && len(items) == limit {
			resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		return respond(resp), nil
	})
}

func registerRefs(api huma.API, e engine.Engine, roles auth.Service) {
	registry := e.Repo.DefaultRegistry()
	huma.Register(api, huma.Operation{
		OperationID: "resolve-ref",
		Method:      http.MethodGet,
		Path:        "/refs/{ref}",
		Summary:     "Resolve a kind:id reference",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*output[RefResponse], error) {
		if _, err := requirePermission(ctx, roles, auth.PermBailRead); err != nil {
			return nil, handleError(err)
		}
		ref, err := domain.ParseRef(input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		entity, err := registry.Resolve(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(RefResponse{Ref: ref.String(), Entity: entity}), nil
	})
}

func registerMe(api huma.API, roles auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return respond(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(roles.Permissions(principal)),
		}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

// clientInfo returns the caller address and user agent of the request.
func clientInfo(ctx context.Context) (string, string) {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return "", ""
	}
	ip := strings.TrimSpace(strings.Split(req.Header.Get("X-Forwarded-For"), ",")[0])
	if ip == "" {
		ip = req.RemoteAddr
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			ip = host
		}
	}
	return ip, req.UserAgent()
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
