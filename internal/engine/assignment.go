package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"checkline/internal/config"
	"checkline/internal/domain"
	"checkline/internal/overrides"
	"checkline/internal/repo"
)

// Assignment puts task groups on the board and hands their rows to workers.
// Every operation touching a group holds that group's lock for its duration.
type Assignment struct {
	jobs    JobStore
	catalog CatalogStore
	cache   overrides.Store
	cfg     *config.Config
	locks   *keyedMutex
	clock   clock
	tracer  trace.Tracer
}

// Assign gives worker a fresh row of the task group. An unassigned row is
// claimed when one exists, otherwise an existing row is cloned. A worker that
// already holds a live row gets that row back.
func (a *Assignment) Assign(ctx context.Context, taskGroupID, worker string) (domain.JobInstruction, error) {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return domain.JobInstruction{}, invalid("worker is required")
	}
	ctx, span := startSpan(ctx, a.tracer, "assignment.assign",
		attribute.String("task_group", taskGroupID), attribute.String("worker", worker))
	var err error
	defer func() { endSpan(span, err) }()

	unlock := a.locks.Lock(taskGroupID)
	defer unlock()

	mine, err := a.jobs.ListByTaskGroup(ctx, taskGroupID, repo.Worker(worker))
	if err != nil {
		return domain.JobInstruction{}, err
	}
	for _, r := range mine {
		if r.Status.Live() {
			span.SetAttributes(attribute.String("outcome", "existing"))
			return r, nil
		}
	}

	open, err := a.jobs.ListByTaskGroup(ctx, taskGroupID, repo.UnassignedOnly())
	if err != nil {
		return domain.JobInstruction{}, err
	}
	if len(open) > 0 {
		var claimed domain.JobInstruction
		claimed, err = a.claim(ctx, taskGroupID, open[0], worker)
		if err != nil {
			return domain.JobInstruction{}, err
		}
		span.SetAttributes(attribute.String("outcome", "claimed"))
		return claimed, nil
	}

	rows, err := a.jobs.ListByTaskGroup(ctx, taskGroupID, repo.AnyAssignee())
	if err != nil {
		return domain.JobInstruction{}, err
	}
	if len(rows) == 0 {
		err = ErrNothingToClone
		return domain.JobInstruction{}, err
	}
	created, err := a.insertClone(ctx, rows[0], worker)
	if err != nil {
		return domain.JobInstruction{}, err
	}
	span.SetAttributes(attribute.String("outcome", "cloned"))
	return created, nil
}

// claim hands the unassigned row r to worker with every execution field reset
// in a single write. When the store rejects that write the row is replaced by
// a fresh clone, since a null cannot be shadowed over a stored value.
func (a *Assignment) claim(ctx context.Context, taskGroupID string, r domain.JobInstruction, worker string) (domain.JobInstruction, error) {
	if err := a.cache.Delete(ctx, r.ID); err != nil {
		return domain.JobInstruction{}, fmt.Errorf("purge override cache for %s: %w", r.ID, err)
	}
	p := domain.ExecutionReset()
	p.Assignee = domain.SetTo(worker)
	p.Status = domain.SetTo(domain.StatusWaiting)
	err := a.jobs.Update(ctx, r.ID, p)
	switch {
	case err == nil:
		log.WithFields(log.Fields{"task_group": taskGroupID, "worker": worker, "instruction": r.ID}).Debug("claimed unassigned row")
		return a.jobs.GetInstruction(ctx, r.ID)
	case errors.Is(err, repo.ErrConflict):
		return domain.JobInstruction{}, ErrAlreadyAssigned
	case errors.Is(err, repo.ErrNotFound):
		return domain.JobInstruction{}, err
	}
	log.WithError(err).WithField("instruction", r.ID).Warn("execution reset rejected; replacing row with a fresh clone")
	created, err := a.insertClone(ctx, r, worker)
	if err != nil {
		return domain.JobInstruction{}, err
	}
	if err := a.deleteRow(ctx, r.ID); err != nil {
		return domain.JobInstruction{}, fmt.Errorf("drop replaced row %s: %w", r.ID, err)
	}
	return created, nil
}

func (a *Assignment) insertClone(ctx context.Context, base domain.JobInstruction, worker string) (domain.JobInstruction, error) {
	clone := cloneRow(base, a.clock.stamp())
	clone.Assignee = &worker
	created, err := a.jobs.Insert(ctx, clone)
	if errors.Is(err, repo.ErrConflict) {
		return domain.JobInstruction{}, ErrAlreadyAssigned
	}
	return created, err
}

// cloneRow copies the descriptive fields of base into a new waiting row with
// no assignee and no execution history.
func cloneRow(base domain.JobInstruction, createdAt string) domain.JobInstruction {
	return domain.JobInstruction{
		ID:          uuid.NewString(),
		TemplateID:  base.TemplateID,
		TaskGroupID: base.TaskGroupID,
		Team:        base.Team,
		Job:         base.Job,
		Workplace:   base.Workplace,
		Subject:     base.Subject,
		Description: base.Description,
		Deadline:    base.Deadline,
		Status:      domain.StatusWaiting,
		CreatedAt:   createdAt,
	}
}

// Unassign takes worker off the task group. The last row of a group is kept
// unassigned so the group can still be cloned from.
func (a *Assignment) Unassign(ctx context.Context, taskGroupID, worker string) error {
	worker = strings.TrimSpace(worker)
	if worker == "" {
		return invalid("worker is required")
	}
	ctx, span := startSpan(ctx, a.tracer, "assignment.unassign",
		attribute.String("task_group", taskGroupID), attribute.String("worker", worker))
	var err error
	defer func() { endSpan(span, err) }()

	unlock := a.locks.Lock(taskGroupID)
	defer unlock()

	rows, err := a.jobs.ListByTaskGroup(ctx, taskGroupID, repo.AnyAssignee())
	if err != nil {
		return err
	}
	var mine []domain.JobInstruction
	for _, r := range rows {
		if r.AssignedTo(worker) {
			mine = append(mine, r)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	if len(rows) > len(mine) {
		for _, r := range mine {
			if err = a.deleteRow(ctx, r.ID); err != nil {
				return err
			}
		}
		return nil
	}
	// only the worker's rows are left: keep the first as the group's template
	if err = a.jobs.Update(ctx, mine[0].ID, domain.Patch{Assignee: domain.Clear[string]()}); err != nil {
		return err
	}
	for _, r := range mine[1:] {
		if err = a.deleteRow(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assignment) deleteRow(ctx context.Context, id string) error {
	if err := a.jobs.Delete(ctx, id); err != nil {
		return err
	}
	if err := a.cache.Delete(ctx, id); err != nil {
		log.WithError(err).WithField("instruction", id).Warn("override cache cleanup failed")
	}
	return nil
}

// Deploy puts the task group on the board with one unassigned waiting row. It
// reports false when the group already has live rows, in which case nothing is
// written.
func (a *Assignment) Deploy(ctx context.Context, taskGroupID string) (domain.JobInstruction, bool, error) {
	ctx, span := startSpan(ctx, a.tracer, "assignment.deploy", attribute.String("task_group", taskGroupID))
	var err error
	defer func() { endSpan(span, err) }()

	unlock := a.locks.Lock(taskGroupID)
	defer unlock()

	live, err := a.jobs.LiveCount(ctx, taskGroupID)
	if err != nil {
		return domain.JobInstruction{}, false, err
	}
	if live > 0 {
		return domain.JobInstruction{}, false, nil
	}
	row, err := a.synthesize(ctx, taskGroupID)
	if err != nil {
		return domain.JobInstruction{}, false, err
	}
	created, err := a.jobs.Insert(ctx, row)
	if err != nil {
		return domain.JobInstruction{}, false, err
	}
	return created, true, nil
}

// synthesize builds an unassigned waiting row for the group from the catalog.
func (a *Assignment) synthesize(ctx context.Context, taskGroupID string) (domain.JobInstruction, error) {
	g, err := a.catalog.GetTaskGroup(ctx, taskGroupID)
	if err != nil {
		return domain.JobInstruction{}, fmt.Errorf("task group %s: %w", taskGroupID, err)
	}
	t, err := a.catalog.GetTemplate(ctx, g.TemplateID)
	if err != nil {
		return domain.JobInstruction{}, fmt.Errorf("template %s: %w", g.TemplateID, err)
	}
	contents := make([]string, 0, len(g.Items))
	for _, it := range g.Items {
		contents = append(contents, it.Content)
	}
	row := domain.JobInstruction{
		ID:          uuid.NewString(),
		TemplateID:  &t.ID,
		TaskGroupID: &g.ID,
		Team:        t.Team,
		Job:         optionalString(t.Job),
		Workplace:   optionalString(t.Workplace),
		Subject:     a.subject(contents, t.Situation),
		Description: t.ChecklistTitle,
		Status:      domain.StatusWaiting,
		CreatedAt:   a.clock.stamp(),
	}
	return row, nil
}

func (a *Assignment) subject(contents []string, s domain.Situation) string {
	if subject := Subject(contents, a.cfg.Board.SubjectMaxRunes); subject != "" {
		return subject
	}
	if s.Place != "" || s.Occasion != "" {
		return strings.TrimSpace(fmt.Sprintf("[%s] %s", s.Place, s.Occasion))
	}
	return a.cfg.Board.FallbackSubject
}

// Subject joins item contents with ", " and cuts the result to max runes,
// marking a cut with "...".
func Subject(contents []string, max int) string {
	joined := strings.Join(contents, ", ")
	if max <= 0 || utf8.RuneCountInString(joined) <= max {
		return joined
	}
	return string([]rune(joined)[:max]) + "..."
}

// RemoveFromBoard deletes every row of the task group.
func (a *Assignment) RemoveFromBoard(ctx context.Context, taskGroupID string) (int64, error) {
	ctx, span := startSpan(ctx, a.tracer, "assignment.remove_from_board", attribute.String("task_group", taskGroupID))
	var err error
	defer func() { endSpan(span, err) }()

	unlock := a.locks.Lock(taskGroupID)
	defer unlock()

	rows, err := a.jobs.ListByTaskGroup(ctx, taskGroupID, repo.AnyAssignee())
	if err != nil {
		return 0, err
	}
	n, err := a.jobs.DeleteByTaskGroup(ctx, taskGroupID)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		if cacheErr := a.cache.Delete(ctx, r.ID); cacheErr != nil {
			log.WithError(cacheErr).WithField("instruction", r.ID).Warn("override cache cleanup failed")
		}
	}
	return n, nil
}

// BatchDeploy writes one row per (task group, worker) pair of plan in a single
// insert. Duplicate workers within a group are collapsed and workers already
// holding a live row of the group are skipped.
func (a *Assignment) BatchDeploy(ctx context.Context, plan map[string][]string) ([]domain.JobInstruction, error) {
	ctx, span := startSpan(ctx, a.tracer, "assignment.batch_deploy", attribute.Int("groups", len(plan)))
	var err error
	defer func() { endSpan(span, err) }()

	groups := make([]string, 0, len(plan))
	for g := range plan {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	unlock := a.locks.LockAll(groups)
	defer unlock()

	var batch []domain.JobInstruction
	for _, groupID := range groups {
		workers := dedupWorkers(plan[groupID])
		if len(workers) == 0 {
			continue
		}
		existing, listErr := a.jobs.ListByTaskGroup(ctx, groupID, repo.AnyAssignee())
		if listErr != nil {
			err = listErr
			return nil, err
		}
		var base domain.JobInstruction
		if len(existing) > 0 {
			base = existing[0]
		} else if base, err = a.synthesize(ctx, groupID); err != nil {
			return nil, err
		}
		for _, w := range workers {
			if holdsLive(existing, w) {
				log.WithFields(log.Fields{"task_group": groupID, "worker": w}).Debug("worker already on the board; skipping")
				continue
			}
			row := cloneRow(base, a.clock.stamp())
			row.Assignee = &w
			batch = append(batch, row)
		}
	}
	span.SetAttributes(attribute.Int("rows", len(batch)))
	if len(batch) == 0 {
		return []domain.JobInstruction{}, nil
	}
	if err = a.jobs.InsertMany(ctx, batch); err != nil {
		err = &BatchDeployError{Pairs: len(batch), Err: err}
		return nil, err
	}
	return batch, nil
}

func dedupWorkers(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range in {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func holdsLive(rows []domain.JobInstruction, worker string) bool {
	for _, r := range rows {
		if r.AssignedTo(worker) && r.Status.Live() {
			return true
		}
	}
	return false
}

// InstructionOptions describe a manually created instruction.
type InstructionOptions struct {
	Team        string
	Subject     string
	Description string
	Assignee    string
	Job         string
	Workplace   string
	Deadline    string
	TaskGroupID string
	TemplateID  string
}

// CreateInstruction adds a single waiting instruction outside the deploy flow.
func (a *Assignment) CreateInstruction(ctx context.Context, opts InstructionOptions) (domain.JobInstruction, error) {
	opts.Team = strings.TrimSpace(opts.Team)
	opts.Subject = strings.TrimSpace(opts.Subject)
	if opts.Team == "" {
		return domain.JobInstruction{}, invalid("team is required")
	}
	if opts.Subject == "" {
		return domain.JobInstruction{}, invalid("subject is required")
	}
	if opts.Deadline != "" {
		d, err := parseStamp(opts.Deadline)
		if err != nil {
			return domain.JobInstruction{}, invalid("deadline: %v", err)
		}
		opts.Deadline = d
	}
	row := domain.JobInstruction{
		ID:          uuid.NewString(),
		TemplateID:  optionalString(opts.TemplateID),
		TaskGroupID: optionalString(opts.TaskGroupID),
		Team:        opts.Team,
		Job:         optionalString(opts.Job),
		Workplace:   optionalString(opts.Workplace),
		Subject:     opts.Subject,
		Description: strings.TrimSpace(opts.Description),
		Assignee:    optionalString(strings.TrimSpace(opts.Assignee)),
		Deadline:    optionalString(opts.Deadline),
		Status:      domain.StatusWaiting,
		CreatedAt:   a.clock.stamp(),
	}
	ctx, span := startSpan(ctx, a.tracer, "assignment.create_instruction",
		attribute.String("instruction", row.ID), attribute.String("task_group", opts.TaskGroupID))
	var err error
	defer func() { endSpan(span, err) }()

	if row.TaskGroupID != nil {
		unlock := a.locks.Lock(*row.TaskGroupID)
		defer unlock()
	}
	created, err := a.jobs.Insert(ctx, row)
	if errors.Is(err, repo.ErrConflict) {
		err = ErrAlreadyAssigned
		return domain.JobInstruction{}, err
	}
	return created, err
}

// DeleteInstruction removes one instruction and its cached soft fields.
func (a *Assignment) DeleteInstruction(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, a.tracer, "assignment.delete_instruction", attribute.String("instruction", id))
	err := a.deleteRow(ctx, id)
	endSpan(span, err)
	return err
}
