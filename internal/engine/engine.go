package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"checkline/internal/config"
	"checkline/internal/domain"
	"checkline/internal/evidence"
	"checkline/internal/overrides"
	"checkline/internal/repo"
	"checkline/internal/scoring"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrDuplicateTaskGroup = errors.New("a task group with the same checklist items already exists for this template")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNothingToClone     = errors.New("task group has no rows to clone; deploy it first")
	ErrAlreadyAssigned    = errors.New("worker already holds a live row for this task group")
	ErrUploadFailed       = errors.New("evidence upload failed")
	ErrInvalidVerdict     = errors.New("invalid verdict")
	ErrNotInspectable     = errors.New("instruction is not completed")
)

// TransitionError reports a status change the lifecycle does not allow.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// BatchDeployError is returned when the bulk insert of a plan fails. Nothing
// from the plan was written and nothing is retried.
type BatchDeployError struct {
	Pairs int
	Err   error
}

func (e *BatchDeployError) Error() string {
	return fmt.Sprintf("batch deploy of %d assignments failed: %v", e.Pairs, e.Err)
}

func (e *BatchDeployError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// JobStore is the persistence surface for job instructions.
type JobStore interface {
	ListByTaskGroup(ctx context.Context, taskGroupID string, f repo.AssigneeFilter) ([]domain.JobInstruction, error)
	Insert(ctx context.Context, j domain.JobInstruction) (domain.JobInstruction, error)
	InsertMany(ctx context.Context, rows []domain.JobInstruction) error
	Update(ctx context.Context, id string, p domain.Patch) error
	Delete(ctx context.Context, id string) error
	DeleteByTaskGroup(ctx context.Context, taskGroupID string) (int64, error)
	GetInstruction(ctx context.Context, id string) (domain.JobInstruction, error)
	ListInstructions(ctx context.Context, f repo.InstructionFilter) ([]domain.JobInstruction, error)
	DeployedTaskGroupIDs(ctx context.Context) ([]string, error)
	LiveCount(ctx context.Context, taskGroupID string) (int, error)
	ListOverdue(ctx context.Context, now string) ([]domain.JobInstruction, error)
}

// CatalogStore persists templates, checklist items and task groups.
type CatalogStore interface {
	InsertTemplate(ctx context.Context, t domain.Template) error
	UpdateTemplate(ctx context.Context, t domain.Template, newItems []domain.ChecklistItem) error
	DeleteTemplate(ctx context.Context, id string) error
	GetTemplate(ctx context.Context, id string) (domain.Template, error)
	ListTemplates(ctx context.Context, team string) ([]domain.Template, error)
	GetItem(ctx context.Context, id string) (domain.ChecklistItem, error)
	SetItemImage(ctx context.Context, itemID, url string) error
	InsertTaskGroup(ctx context.Context, g domain.TaskGroup) error
	FindTaskGroupByKey(ctx context.Context, templateID, key string) (domain.TaskGroup, error)
	GetTaskGroup(ctx context.Context, id string) (domain.TaskGroup, error)
	ListTaskGroups(ctx context.Context, templateID string) ([]domain.TaskGroup, error)
	DeleteTaskGroup(ctx context.Context, id string) error
	ItemsBelongTo(ctx context.Context, templateID string, itemIDs []string) ([]string, error)
}

// Deps are the collaborators the engine services are built from.
type Deps struct {
	Jobs      JobStore
	Catalog   CatalogStore
	Evidence  evidence.Store
	Scorer    scoring.Scorer
	Overrides overrides.Store
	Config    *config.Config
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Engine groups the services exposed to the API and CLI.
type Engine struct {
	Catalog      *Catalog
	Assignment   *Assignment
	Lifecycle    *Lifecycle
	Verification *Verification
	Board        *Board
	Config       *config.Config
}

// New wires the services. Missing optional deps fall back to defaults.
func New(d Deps) (*Engine, error) {
	if d.Jobs == nil || d.Catalog == nil {
		return nil, errors.New("engine: job and catalog stores are required")
	}
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Overrides == nil {
		d.Overrides = overrides.NewMemory()
	}
	if d.Scorer == nil {
		d.Scorer = scoring.NewRandom(d.Config.Verification.Seed, d.Config.Verification.PassThreshold)
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("checkline/engine")
	}
	clk := clock{now: d.Now}
	soft := softWriter{jobs: d.Jobs, cache: d.Overrides}
	locks := newKeyedMutex()
	e := &Engine{Config: d.Config}
	e.Catalog = &Catalog{store: d.Catalog, evidence: d.Evidence, bucket: d.Config.Evidence.ReferenceBucket, clock: clk, tracer: d.Tracer}
	e.Assignment = &Assignment{jobs: d.Jobs, catalog: d.Catalog, cache: d.Overrides, cfg: d.Config, locks: locks, clock: clk, tracer: d.Tracer}
	e.Lifecycle = &Lifecycle{jobs: d.Jobs, evidence: d.Evidence, bucket: d.Config.Evidence.Bucket, soft: soft, clock: clk, tracer: d.Tracer}
	e.Verification = &Verification{jobs: d.Jobs, scorer: d.Scorer, soft: soft, cache: d.Overrides, tracer: d.Tracer}
	e.Board = &Board{jobs: d.Jobs, cache: d.Overrides, cfg: d.Config}
	return e, nil
}

type clock struct {
	now func() time.Time
}

func (c clock) Now() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c clock) stamp() string {
	return c.Now().UTC().Format(time.RFC3339)
}

func startSpan(ctx context.Context, t trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
