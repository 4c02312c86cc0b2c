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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mitwatch/internal/app"
	"mitwatch/internal/domain"
	"mitwatch/internal/repo"
	"mitwatch/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Monitor  *app.Monitor
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
	// OverwriteWindow is the default look back of GET /overwrites.
	OverwriteWindow time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"id\":\"abc\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handler struct {
	monitor         *app.Monitor
	now             func() time.Time
	overwriteWindow time.Duration
	auth            AuthConfig
}

// New returns an HTTP handler exposing the mitwatch API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Monitor == nil {
		return nil, errors.New("server: monitor required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	h := &handler{
		monitor:         cfg.Monitor,
		now:             cfg.Now,
		overwriteWindow: cfg.OverwriteWindow,
		auth:            cfg.Auth,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.overwriteWindow <= 0 {
		h.overwriteWindow = 20 * time.Minute
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("mitwatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	h.registerStatus(group)
	h.registerIngest(group)
	h.registerLive(group)
	h.registerCatalog(group)
	h.registerSessions(group)
	h.registerEvents(group)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "empty id") || strings.Contains(lowered, "duplicate"):
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
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func (h *handler) requireStore() (*repo.Repo, huma.StatusError) {
	store := h.monitor.Store()
	if store == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "store_disabled", "session store is disabled", nil)
	}
	return store, nil
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>mitwatch API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; when auth is enabled.
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

func (h *handler) registerStatus(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Monitor status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body app.Status `json:"body"`
	}, error) {
		return &struct {
			Body app.Status `json:"body"`
		}{Body: h.monitor.Status(ctx)}, nil
	})
}

func (h *handler) registerIngest(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-usage",
		Method:      http.MethodPost,
		Path:        "/ingest/usage",
		Summary:     "Record an ability use",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body app.UsageInput `json:"body"`
	}) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		ows := h.monitor.NotifyAbilityUsed(ctx, input.Body)
		if ows == nil {
			ows = []domain.MitigationOverwrite{}
		}
		return &struct {
			Body UsageResponse `json:"body"`
		}{Body: UsageResponse{Overwrites: ows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-damage",
		Method:      http.MethodPost,
		Path:        "/ingest/damage",
		Summary:     "Analyze a hit",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body app.DamageInput `json:"body"`
	}) (*struct {
		Body app.AnalysisResult `json:"body"`
	}, error) {
		res, err := h.monitor.NotifyDamage(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body app.AnalysisResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-death",
		Method:      http.MethodPost,
		Path:        "/ingest/death",
		Summary:     "Mark the latest hit on an actor as fatal",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body app.DeathInput `json:"body"`
	}) (*struct {
		Body DeathResponse `json:"body"`
	}, error) {
		ok, err := h.monitor.NotifyDeath(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeathResponse `json:"body"`
		}{Body: DeathResponse{Fatal: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-roster",
		Method:      http.MethodPut,
		Path:        "/ingest/roster",
		Summary:     "Replace the tracked roster",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RosterRequest `json:"body"`
	}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		if !h.monitor.SetRoster(input.Body.Members) {
			return nil, newAPIError(http.StatusConflict, "roster_source", "roster is pulled from a source", nil)
		}
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: RosterResponse{Members: h.monitor.Roster()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-roster",
		Method:      http.MethodGet,
		Path:        "/roster",
		Summary:     "Current tracked roster",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RosterResponse `json:"body"`
	}, error) {
		return &struct {
			Body RosterResponse `json:"body"`
		}{Body: RosterResponse{Members: h.monitor.Roster()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-context",
		Method:      http.MethodPut,
		Path:        "/ingest/context",
		Summary:     "Replace the host context and step the session lifecycle",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body session.Observation `json:"body"`
	}) (*struct {
		Body ContextResponse `json:"body"`
	}, error) {
		h.monitor.SetObservation(input.Body)
		tr := h.monitor.Tick(ctx, h.now())
		return &struct {
			Body ContextResponse `json:"body"`
		}{Body: ContextResponse{Observation: input.Body, Transition: tr}}, nil
	})
}

func (h *handler) registerLive(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-active",
		Method:      http.MethodGet,
		Path:        "/active",
		Summary:     "Mitigations currently in effect",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActiveResponse `json:"body"`
	}, error) {
		return &struct {
			Body ActiveResponse `json:"body"`
		}{Body: ActiveResponse{Items: h.monitor.ActiveEffects(h.now())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-overwrites",
		Method:      http.MethodGet,
		Path:        "/overwrites",
		Summary:     "Recorded overwrites in a time window",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID uint32    `query:"actor_id" doc:"Affected actor, 0 for all"`
		From    time.Time `query:"from" doc:"Window start, defaults to the overwrite retention"`
		To      time.Time `query:"to" doc:"Window end, defaults to now"`
	}) (*struct {
		Body OverwritesResponse `json:"body"`
	}, error) {
		to := input.To
		if to.IsZero() {
			to = h.now()
		}
		from := input.From
		if from.IsZero() {
			from = to.Add(-h.overwriteWindow)
		}
		if to.Before(from) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to must not be before from", nil)
		}
		items := h.monitor.Overwrites(input.ActorID, from, to)
		if items == nil {
			items = []domain.MitigationOverwrite{}
		}
		return &struct {
			Body OverwritesResponse `json:"body"`
		}{Body: OverwritesResponse{Items: items}}, nil
	})
}

func (h *handler) registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Enabled mitigation library",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		cat := h.monitor.Engine().Catalog()
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: CatalogResponse{Enabled: cat.Len(), Items: cat.Enabled()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-catalog",
		Method:      http.MethodPut,
		Path:        "/catalog",
		Summary:     "Replace the mitigation library",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CatalogRequest `json:"body"`
	}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		cat, err := h.monitor.ReloadCatalog(ctx, input.Body.Mitigations)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_catalog", err.Error(), nil)
		}
		h.auth.logger().Printf("server: catalog replaced by %s (%d enabled)", subjectFromContext(ctx), cat.Len())
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: CatalogResponse{Enabled: cat.Len(), Items: cat.Enabled()}}, nil
	})
}

func (h *handler) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "Stored sessions, newest first",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body SessionsResponse `json:"body"`
	}, error) {
		store, serr := h.requireStore()
		if serr != nil {
			return nil, serr
		}
		items, err := store.ListSessionSummaries(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionsResponse `json:"body"`
		}{Body: SessionsResponse{Items: items}}, nil
	})

	type sessionPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Session with its overwrites",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionDetailResponse `json:"body"`
	}, error) {
		store, serr := h.requireStore()
		if serr != nil {
			return nil, serr
		}
		s, err := store.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ows, err := store.SessionOverwrites(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionDetailResponse `json:"body"`
		}{Body: SessionDetailResponse{Session: s, Overwrites: ows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "Analyzed hits of a session",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionEventsResponse `json:"body"`
	}, error) {
		store, serr := h.requireStore()
		if serr != nil {
			return nil, serr
		}
		items, err := store.SessionEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionEventsResponse `json:"body"`
		}{Body: SessionEventsResponse{Items: items}}, nil
	})
}

func (h *handler) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type" doc:"Event type filter, e.g. session.end"`
		SessionID string `query:"session_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		store, serr := h.requireStore()
		if serr != nil {
			return nil, serr
		}
		items, err := store.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
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
