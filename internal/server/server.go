package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"govline/internal/broker"
	"govline/internal/engine"
	"govline/internal/reason"
	"govline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Broker   *broker.Broker
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capability_denied"`
	Message string         `json:"message" example:"dev-team holds L1 on github, action merge requires L3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"provider\":\"github\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Govline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.PrivilegedActor == "" && cfg.Engine.Config != nil {
		cfg.Auth.PrivilegedActor = cfg.Engine.Config.Kernel.PrivilegedActor
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
			r.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Govline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProducts(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerCapabilities(group, cfg.Engine, cfg.Broker)
	registerBroker(group, cfg.Broker)
	registerMe(group)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError converts engine and broker errors into the HTTP envelope.
// Reason codes pass through verbatim so clients can branch on them.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var re *reason.Error
	if errors.As(err, &re) {
		if re.Code.Class() == reason.ClassAuthorization {
			log.Printf("WARNING: denied %s: %s", re.Code, re.Message)
		}
		details := re.Details
		if re.Retryable() {
			details = cloneDetails(details)
			details["retryable"] = true
		}
		return newAPIError(statusForClass(re.Code.Class()), string(re.Code), re.Message, details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForClass(c reason.Class) int {
	switch c {
	case reason.ClassValidation:
		return http.StatusBadRequest
	case reason.ClassAuthorization:
		return http.StatusForbidden
	case reason.ClassNotFound:
		return http.StatusNotFound
	case reason.ClassConflict:
		return http.StatusConflict
	case reason.ClassResource:
		return http.StatusTooManyRequests
	case reason.ClassDownstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
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
		return "not_authorized"
	case http.StatusTooManyRequests:
		return "broker_backpressure"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func cloneDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Govline API Docs</title>
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
		Summary:     "Kernel status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.Repo.CountTasksByState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		products, err := e.Repo.ListProducts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{
			"task_counts": counts,
			"products":    len(products),
		}
		if e.Config != nil {
			body["policy_version"] = e.Config.Kernel.PolicyVersion
			body["strict_transitions"] = e.Config.Kernel.StrictTransitions
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerProducts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Register product",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProduct(ctx, engine.ProductCreateOptions{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			RiskLevel: stringOrEmpty(input.Body.RiskLevel),
			Actor:     group,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProductResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProducts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProductResponse, 0, len(items))
		for _, p := range items {
			res = append(res, productResponse(p))
		}
		return &struct {
			Body []ProductResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{id}",
		Summary:     "Get product",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProduct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-product-status",
		Method:      http.MethodPatch,
		Path:        "/products/{id}",
		Summary:     "Pause, resume or kill a product",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body SetProductStatusRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetProductStatus(ctx, input.ID, input.Body.Status, group)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_type is required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ID:            stringOrEmpty(input.Body.ID),
			Title:         input.Body.Title,
			Description:   stringOrEmpty(input.Body.Description),
			Type:          input.Body.Type,
			ProductID:     stringOrEmpty(input.Body.ProductID),
			Scope:         stringOrEmpty(input.Body.Scope),
			AssignedGroup: stringOrEmpty(input.Body.AssignedGroup),
			Gate:          stringOrEmpty(input.Body.Gate),
			Metadata:      input.Body.Metadata,
			Actor:         group,
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		if input.Body.DoDRequired != nil {
			opts.DoDRequired = *input.Body.DoDRequired
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State     string `query:"state" enum:",INBOX,TRIAGED,READY,DOING,REVIEW,APPROVAL,DONE,BLOCKED"`
		Group     string `query:"group"`
		ProductID string `query:"product_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			State:           input.State,
			Group:           input.Group,
			ProductID:       input.ProductID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].CreatedAt, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/transition",
		Summary:     "Move a task along the lifecycle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body TransitionTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.TransitionTask(ctx, engine.TransitionOptions{
			TaskID:          input.ID,
			To:              input.Body.To,
			Reason:          stringOrEmpty(input.Body.Reason),
			Actor:           group,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/report",
		Summary:     "Submit a worker execution report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body ReportTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		advance := input.Body.Advance == nil || *input.Body.Advance
		t, err := e.ReportExecution(ctx, engine.ReportOptions{
			TaskID:  input.ID,
			Summary: input.Body.Summary,
			Actor:   group,
			Advance: advance,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "approve-gate",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/approve",
		Summary:       "Record a gate approval",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ApproveGateRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ApproveGate(ctx, engine.ApproveOptions{
			TaskID:   input.ID,
			GateType: input.Body.GateType,
			Notes:    stringOrEmpty(input.Body.Notes),
			Actor:    group,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Route a task to a group",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, engine.AssignOptions{
			TaskID:   input.ID,
			Group:    input.Body.Group,
			Executor: stringOrEmpty(input.Body.Executor),
			Actor:    group,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-activities",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/activities",
		Summary:     "Task activity log",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListActivities(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: mapActivities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-approvals",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/approvals",
		Summary:     "Gate approvals recorded for a task",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListApprovals(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-dispatches",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/dispatches",
		Summary:     "Dispatch records for a task",
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DispatchResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDispatches(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DispatchResponse `json:"body"`
		}{Body: mapDispatches(items)}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "Activity feed across all tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After string `query:"after"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedActivities `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		resp := paginatedActivities{Items: []ActivityResponse{}}
		if input.After == "" {
			items, err := e.Repo.LatestActivities(ctx, limit)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = mapActivities(items)
			return &struct {
				Body paginatedActivities `json:"body"`
			}{Body: resp}, nil
		}
		cursor, err := strconv.ParseInt(input.After, 10, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
		}
		items, err := e.Repo.ActivitiesAfter(ctx, limit+1, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		resp.Items = mapActivities(items)
		return &struct {
			Body paginatedActivities `json:"body"`
		}{Body: resp}, nil
	})
}

func registerCapabilities(api huma.API, e engine.Engine, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-capability",
		Method:        http.MethodPost,
		Path:          "/capabilities",
		Summary:       "Grant a capability",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body GrantCapabilityRequest `json:"body"`
	}) (*struct {
		Body CapabilityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group, authErr := groupFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.GrantCapability(ctx, engine.CapabilityGrantOptions{
			Group:     input.Body.Group,
			Provider:  input.Body.Provider,
			Level:     input.Body.Level,
			ProductID: stringOrEmpty(input.Body.ProductID),
			ExpiresAt: stringOrEmpty(input.Body.ExpiresAt),
			Actor:     group,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CapabilityResponse `json:"body"`
		}{Body: capabilityResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-capabilities",
		Method:      http.MethodGet,
		Path:        "/capabilities",
		Summary:     "List capability grants",
	}, func(ctx context.Context, input *struct {
		Group    string `query:"group"`
		Provider string `query:"provider"`
		Level    string `query:"level" enum:",L0,L1,L2,L3"`
	}) (*struct {
		Body []CapabilityResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAllCapabilities(ctx, repo.CapabilityFilters{
			Group:    input.Group,
			Provider: input.Provider,
			Level:    input.Level,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CapabilityResponse `json:"body"`
		}{Body: mapCapabilities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-capability",
		Method:      http.MethodGet,
		Path:        "/capabilities/resolve",
		Summary:     "Effective capability level for a group and provider",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Group     string `query:"group"`
		Provider  string `query:"provider"`
		ProductID string `query:"product_id"`
	}) (*struct {
		Body EffectiveLevelResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Provider == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "provider is required", nil)
		}
		target := input.Group
		if target == "" {
			target = principal.Group
		}
		if target != principal.Group && !principal.Privileged {
			return nil, handleError(reason.New(reason.NotAuthorized, "groups may only inspect their own capabilities").
				With("caller", principal.Group).With("group", target))
		}
		level, err := b.ResolveLevel(ctx, target, input.Provider, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EffectiveLevelResponse `json:"body"`
		}{Body: EffectiveLevelResponse{
			Group:          target,
			Provider:       input.Provider,
			ProductID:      input.ProductID,
			EffectiveLevel: level,
		}}, nil
	})
}

func registerBroker(api huma.API, b *broker.Broker) {
	huma.Register(api, huma.Operation{
		OperationID: "broker-call",
		Method:      http.MethodPost,
		Path:        "/broker/call",
		Summary:     "Request an external provider call",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body BrokerCallRequest `json:"body"`
	}) (*struct {
		Body BrokerCallResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		group := principal.Group
		if input.Body.Group != nil && *input.Body.Group != "" && *input.Body.Group != principal.Group {
			if !principal.Privileged {
				return nil, handleError(reason.New(reason.NotAuthorized, "groups may only call providers as themselves").
					With("caller", principal.Group).With("group", *input.Body.Group))
			}
			group = *input.Body.Group
		}
		res, err := b.RequestCall(ctx, broker.CallRequest{
			Group:          group,
			Provider:       input.Body.Provider,
			Action:         input.Body.Action,
			Params:         input.Body.Params,
			ProductID:      stringOrEmpty(input.Body.ProductID),
			TaskID:         stringOrEmpty(input.Body.TaskID),
			IdempotencyKey: stringOrEmpty(input.Body.IdempotencyKey),
			CheckOnly:      input.Body.CheckOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BrokerCallResponse `json:"body"`
		}{Body: BrokerCallResponse{
			Call:     extCallResponse(res.Call),
			Response: decodeJSONValue(res.Response),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-broker-calls",
		Method:      http.MethodGet,
		Path:        "/broker/calls",
		Summary:     "External call audit log",
	}, func(ctx context.Context, input *struct {
		Group    string `query:"group"`
		Provider string `query:"provider"`
		Status   string `query:"status" enum:",allowed,denied,executed,failed"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ExtCallResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := b.Repo.ListExtCalls(ctx, repo.ExtCallFilters{
			Group:    input.Group,
			Provider: input.Provider,
			Status:   input.Status,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExtCallResponse `json:"body"`
		}{Body: mapExtCalls(items)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Group:      principal.Group,
			Privileged: principal.Privileged,
			Source:     principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		group := strings.TrimSpace(input.Body.Group)
		if group == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "group is required", nil)
		}
		if e.Config != nil && !e.Config.GroupAllowed(group) {
			return nil, newAPIError(http.StatusBadRequest, "group_not_allowed", "group is not in allowed_groups", map[string]any{"group": group})
		}
		token, err := signDevToken(authCfg.JWTSecret, group, authCfg.PrivilegedActor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
