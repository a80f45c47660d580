package server

import (
	"bytes"
	"context"
	"encoding/base64"
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
	log "github.com/sirupsen/logrus"

	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/evidence"
	"checkline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid status transition waiting -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"waiting\"}"`
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

// New returns an HTTP handler exposing the Checkline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	hcfg := huma.DefaultConfig("Checkline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, e)
	registerTaskGroups(group, e)
	registerBoard(group, e)
	registerInstructions(group, e)
	registerVerification(group, e)
	registerActionItems(group, e)
	registerStats(group, e)
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
	msg := err.Error()
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, map[string]any{"from": te.From, "to": te.To})
	}
	var be *engine.BatchDeployError
	if errors.As(err, &be) {
		log.WithError(be.Err).WithField("pairs", be.Pairs).Error("batch deploy failed")
		return newAPIError(http.StatusInternalServerError, "batch_failed", msg, map[string]any{"pairs": be.Pairs})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrDuplicateTaskGroup):
		return newAPIError(http.StatusConflict, "duplicate_task_group", msg, nil)
	case errors.Is(err, engine.ErrAlreadyAssigned), errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrNothingToClone),
		errors.Is(err, engine.ErrNotInspectable):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case errors.Is(err, engine.ErrUploadFailed):
		return newAPIError(http.StatusBadGateway, "upload_failed", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrInvalidVerdict):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		log.WithError(err).Error("request failed")
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upload_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func badRequest(msg string) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Checkline API Docs</title>
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

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type templatePath struct {
	TemplateID string `path:"template_id"`
}

type teamQuery struct {
	Team string `query:"team"`
}

func registerTemplates(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Register checklist template",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body TemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, badRequest("body required")
		}
		t, err := e.Catalog.CreateTemplate(ctx, input.Body.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *teamQuery) (*struct {
		Body []domain.Template `json:"body"`
	}, error) {
		items, err := e.Catalog.ListTemplates(ctx, input.Team)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Template{}
		}
		return &struct {
			Body []domain.Template `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.Catalog.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPut,
		Path:        "/templates/{template_id}",
		Summary:     "Update template header and append items",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TemplateID string          `path:"template_id"`
		Body       TemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.Catalog.UpdateTemplate(ctx, input.TemplateID, input.Body.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-template",
		Method:        http.MethodDelete,
		Path:          "/templates/{template_id}",
		Summary:       "Delete template",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*struct{}, error) {
		if err := e.Catalog.DeleteTemplate(ctx, input.TemplateID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-template-task-groups",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}/task-groups",
		Summary:     "List task groups of a template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*struct {
		Body []domain.TaskGroup `json:"body"`
	}, error) {
		groups, err := e.Catalog.TaskGroups(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		if groups == nil {
			groups = []domain.TaskGroup{}
		}
		return &struct {
			Body []domain.TaskGroup `json:"body"`
		}{Body: groups}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-task-group",
		Method:        http.MethodPost,
		Path:          "/templates/{template_id}/task-groups",
		Summary:       "Register task group",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TemplateID string                   `path:"template_id"`
		Body       RegisterTaskGroupRequest `json:"body"`
	}) (*struct {
		Body domain.TaskGroup `json:"body"`
	}, error) {
		g, err := e.Catalog.RegisterTaskGroup(ctx, input.TemplateID, input.Body.ItemIDs, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskGroup `json:"body"`
		}{Body: g}, nil
	})
}

type groupPath struct {
	GroupID string `path:"group_id"`
}

func registerTaskGroups(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task-group",
		Method:      http.MethodGet,
		Path:        "/task-groups/{group_id}",
		Summary:     "Get task group",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *groupPath) (*struct {
		Body domain.TaskGroup `json:"body"`
	}, error) {
		g, err := e.Catalog.TaskGroup(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskGroup `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task-group",
		Method:        http.MethodDelete,
		Path:          "/task-groups/{group_id}",
		Summary:       "Delete task group",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *groupPath) (*struct{}, error) {
		if err := e.Catalog.DeleteTaskGroup(ctx, input.GroupID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerBoard(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "deploy-task-group",
		Method:      http.MethodPost,
		Path:        "/task-groups/{group_id}/deploy",
		Summary:     "Deploy task group to the board",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *groupPath) (*struct {
		Body DeployResponse `json:"body"`
	}, error) {
		row, created, err := e.Assignment.Deploy(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeployResponse `json:"body"`
		}{Body: DeployResponse{Instruction: row, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-task-group",
		Method:      http.MethodDelete,
		Path:        "/task-groups/{group_id}/board",
		Summary:     "Remove task group from the board",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *groupPath) (*struct {
		Body RemovedResponse `json:"body"`
	}, error) {
		n, err := e.Assignment.RemoveFromBoard(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemovedResponse `json:"body"`
		}{Body: RemovedResponse{Removed: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-worker",
		Method:      http.MethodPost,
		Path:        "/task-groups/{group_id}/assignees",
		Summary:     "Assign worker to task group",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		GroupID string        `path:"group_id"`
		Body    AssignRequest `json:"body"`
	}) (*struct {
		Body domain.JobInstruction `json:"body"`
	}, error) {
		row, err := e.Assignment.Assign(ctx, input.GroupID, input.Body.Worker)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobInstruction `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unassign-worker",
		Method:        http.MethodDelete,
		Path:          "/task-groups/{group_id}/assignees/{worker}",
		Summary:       "Unassign worker from task group",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
		Worker  string `path:"worker"`
	}) (*struct{}, error) {
		if err := e.Assignment.Unassign(ctx, input.GroupID, input.Worker); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "batch-deploy",
		Method:        http.MethodPost,
		Path:          "/board/batch",
		Summary:       "Deploy several task groups to several workers",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body BatchDeployRequest `json:"body"`
	}) (*struct {
		Body []domain.JobInstruction `json:"body"`
	}, error) {
		if len(input.Body.Plan) == 0 {
			return nil, badRequest("plan is required")
		}
		rows, err := e.Assignment.BatchDeploy(ctx, input.Body.Plan)
		if err != nil {
			return nil, handleError(err)
		}
		if rows == nil {
			rows = []domain.JobInstruction{}
		}
		return &struct {
			Body []domain.JobInstruction `json:"body"`
		}{Body: rows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deployed-task-groups",
		Method:      http.MethodGet,
		Path:        "/board/deployed",
		Summary:     "List deployed task group ids",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DeployedResponse `json:"body"`
	}, error) {
		ids, err := e.Board.DeployedTaskGroupIDs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []string{}
		}
		return &struct {
			Body DeployedResponse `json:"body"`
		}{Body: DeployedResponse{TaskGroupIDs: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "board-columns",
		Method:      http.MethodGet,
		Path:        "/board/columns",
		Summary:     "Kanban columns for a team",
	}, func(ctx context.Context, input *teamQuery) (*struct {
		Body domain.BoardColumns `json:"body"`
	}, error) {
		cols, err := e.Board.Columns(ctx, input.Team)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BoardColumns `json:"body"`
		}{Body: cols}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-overdue",
		Method:      http.MethodPost,
		Path:        "/board/sweep",
		Summary:     "Mark overdue live instructions as delayed",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		n, err := e.Lifecycle.SweepOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Delayed: n}}, nil
	})
}

type instructionPath struct {
	InstructionID string `path:"instruction_id"`
}

func registerInstructions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-instruction",
		Method:        http.MethodPost,
		Path:          "/instructions",
		Summary:       "Create job instruction",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateInstructionRequest `json:"body"`
	}) (*struct {
		Body domain.JobInstruction `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, badRequest("body required")
		}
		b := input.Body
		row, err := e.Assignment.CreateInstruction(ctx, engine.InstructionOptions{
			Team:        b.Team,
			Subject:     b.Subject,
			Description: b.Description,
			Assignee:    b.Assignee,
			Job:         b.Job,
			Workplace:   b.Workplace,
			Deadline:    b.Deadline,
			TaskGroupID: b.TaskGroupID,
			TemplateID:  b.TemplateID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobInstruction `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instructions",
		Method:      http.MethodGet,
		Path:        "/instructions",
		Summary:     "List job instructions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Team        string `query:"team"`
		Status      string `query:"status" doc:"Comma separated statuses"`
		Assignee    string `query:"assignee"`
		TaskGroupID string `query:"task_group_id"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.JobInstruction `json:"body"`
	}, error) {
		f := repo.InstructionFilter{
			Team:        input.Team,
			Assignee:    input.Assignee,
			TaskGroupID: input.TaskGroupID,
			Limit:       normalizeLimit(input.Limit),
		}
		for _, raw := range strings.Split(input.Status, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			s, err := domain.ParseStatus(raw)
			if err != nil {
				return nil, badRequest(err.Error())
			}
			f.Statuses = append(f.Statuses, s)
		}
		rows, err := e.Board.Instructions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JobInstruction `json:"body"`
		}{Body: rows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instruction",
		Method:      http.MethodGet,
		Path:        "/instructions/{instruction_id}",
		Summary:     "Get job instruction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instructionPath) (*struct {
		Body domain.JobInstruction `json:"body"`
	}, error) {
		row, err := e.Board.Instruction(ctx, input.InstructionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobInstruction `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-instruction",
		Method:        http.MethodDelete,
		Path:          "/instructions/{instruction_id}",
		Summary:       "Delete job instruction",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instructionPath) (*struct{}, error) {
		if err := e.Assignment.DeleteInstruction(ctx, input.InstructionID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-instruction",
		Method:      http.MethodPost,
		Path:        "/instructions/{instruction_id}/transition",
		Summary:     "Move job instruction to another status",
		Errors:      append(writeErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		InstructionID string            `path:"instruction_id"`
		Body          TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.JobInstruction `json:"body"`
	}, error) {
		to, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		obj, err := decodeEvidence(input.Body.Evidence)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		row, err := e.Lifecycle.Transition(ctx, input.InstructionID, to, engine.TransitionOptions{Evidence: obj, Force: input.Body.Force})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobInstruction `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-instruction",
		Method:      http.MethodPost,
		Path:        "/instructions/{instruction_id}/complete",
		Summary:     "Complete job instruction with optional evidence",
		Errors:      append(writeErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		InstructionID string          `path:"instruction_id"`
		Body          CompleteRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.JobInstruction `json:"body"`
	}, error) {
		obj, err := decodeEvidence(input.Body.Evidence)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		row, err := e.Lifecycle.Complete(ctx, input.InstructionID, obj)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobInstruction `json:"body"`
		}{Body: row}, nil
	})
}

func registerVerification(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze-instruction",
		Method:      http.MethodPost,
		Path:        "/instructions/{instruction_id}/analyze",
		Summary:     "Score a finished job instruction",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *instructionPath) (*struct {
		Body engine.Analysis `json:"body"`
	}, error) {
		a, err := e.Verification.Analyze(ctx, input.InstructionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Analysis `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-verdict",
		Method:      http.MethodPost,
		Path:        "/instructions/{instruction_id}/verdict",
		Summary:     "Record inspector decision",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		InstructionID string         `path:"instruction_id"`
		Body          VerdictRequest `json:"body"`
	}) (*struct {
		Body domain.JobInstruction `json:"body"`
	}, error) {
		d, err := engine.ParseDecision(input.Body.Decision)
		if err != nil {
			return nil, handleError(err)
		}
		row, err := e.Verification.Finalize(ctx, input.InstructionID, d, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobInstruction `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-pending",
		Method:      http.MethodPost,
		Path:        "/verification/analyze",
		Summary:     "Score every finished instruction without a score",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body AnalyzePendingRequest `json:"body" required:"false"`
	}) (*struct {
		Body []engine.Analysis `json:"body"`
	}, error) {
		out, err := e.Verification.AnalyzePending(ctx, input.Body.Team)
		if err != nil {
			return nil, handleError(err)
		}
		if out == nil {
			out = []engine.Analysis{}
		}
		return &struct {
			Body []engine.Analysis `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inspection-results",
		Method:      http.MethodGet,
		Path:        "/verification/results",
		Summary:     "Finished instructions, latest completion first",
	}, func(ctx context.Context, input *teamQuery) (*struct {
		Body []domain.JobInstruction `json:"body"`
	}, error) {
		rows, err := e.Board.InspectionResults(ctx, input.Team)
		if err != nil {
			return nil, handleError(err)
		}
		if rows == nil {
			rows = []domain.JobInstruction{}
		}
		return &struct {
			Body []domain.JobInstruction `json:"body"`
		}{Body: rows}, nil
	})
}

func registerActionItems(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-action-items",
		Method:      http.MethodGet,
		Path:        "/action-items",
		Summary:     "List action plan items",
	}, func(ctx context.Context, input *teamQuery) (*struct {
		Body []domain.ActionPlanItem `json:"body"`
	}, error) {
		items, err := e.Board.ActionItems(ctx, input.Team)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ActionPlanItem{}
		}
		return &struct {
			Body []domain.ActionPlanItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-action-item",
		Method:      http.MethodPost,
		Path:        "/action-items/{instruction_id}/resolve",
		Summary:     "Resolve action plan item",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		InstructionID string         `path:"instruction_id"`
		Body          ResolveRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.JobInstruction `json:"body"`
	}, error) {
		row, err := e.Verification.ResolveActionItem(ctx, input.InstructionID, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobInstruction `json:"body"`
		}{Body: row}, nil
	})
}

func registerStats(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compliance-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Compliance statistics",
	}, func(ctx context.Context, input *teamQuery) (*struct {
		Body domain.ComplianceStats `json:"body"`
	}, error) {
		s, err := e.Board.Stats(ctx, input.Team)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceStats `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "staff-summary",
		Method:      http.MethodGet,
		Path:        "/stats/staff",
		Summary:     "Per-worker compliance summary",
	}, func(ctx context.Context, input *teamQuery) (*struct {
		Body []domain.StaffSummary `json:"body"`
	}, error) {
		s, err := e.Board.StaffSummary(ctx, input.Team)
		if err != nil {
			return nil, handleError(err)
		}
		if s == nil {
			s = []domain.StaffSummary{}
		}
		return &struct {
			Body []domain.StaffSummary `json:"body"`
		}{Body: s}, nil
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

func decodeEvidence(in *EvidenceRequest) (*evidence.Object, error) {
	if in == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		return nil, fmt.Errorf("evidence.data must be base64: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("evidence.data is empty")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "evidence"
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	obj := evidence.FromBytes(name, contentType, data)
	return &obj, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 200
	}
	if in > 1000 {
		return 1000
	}
	return in
}
