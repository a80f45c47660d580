package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"checkline/internal/domain"
	"checkline/internal/evidence"
	"checkline/internal/repo"
)

// TemplateOptions are the registrable fields of a template.
type TemplateOptions struct {
	Workplace      string
	Team           string
	Job            string
	Situation      domain.Situation
	ChecklistTitle string
	Items          []string
	Matching       domain.Matching
}

func (o TemplateOptions) normalize() (TemplateOptions, error) {
	o.Workplace = strings.TrimSpace(o.Workplace)
	o.Team = strings.TrimSpace(o.Team)
	o.Job = strings.TrimSpace(o.Job)
	o.Situation.Time = strings.TrimSpace(o.Situation.Time)
	o.Situation.Place = strings.TrimSpace(o.Situation.Place)
	o.Situation.Occasion = strings.TrimSpace(o.Situation.Occasion)
	o.ChecklistTitle = strings.TrimSpace(o.ChecklistTitle)
	items := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		if it = strings.TrimSpace(it); it != "" {
			items = append(items, it)
		}
	}
	o.Items = items
	switch {
	case o.Team == "":
		return o, invalid("team is required")
	case o.Situation.Place == "" || o.Situation.Occasion == "":
		return o, invalid("situation place and occasion are required")
	case len(o.Items) == 0:
		return o, invalid("at least one checklist item is required")
	}
	return o, nil
}

// Catalog manages templates, their checklist items and task groups.
type Catalog struct {
	store    CatalogStore
	evidence evidence.Store
	bucket   string
	clock    clock
	tracer   trace.Tracer
}

func (c *Catalog) CreateTemplate(ctx context.Context, opts TemplateOptions) (domain.Template, error) {
	ctx, span := startSpan(ctx, c.tracer, "catalog.create_template", attribute.String("team", opts.Team))
	var err error
	defer func() { endSpan(span, err) }()

	opts, err = opts.normalize()
	if err != nil {
		return domain.Template{}, err
	}
	t := domain.Template{
		ID:             uuid.NewString(),
		Workplace:      opts.Workplace,
		Team:           opts.Team,
		Job:            opts.Job,
		Situation:      opts.Situation,
		ChecklistTitle: opts.ChecklistTitle,
		Matching:       opts.Matching,
		CreatedAt:      c.clock.stamp(),
	}
	for i, content := range opts.Items {
		t.Items = append(t.Items, domain.ChecklistItem{ID: uuid.NewString(), TemplateID: t.ID, Content: content, Sequence: i})
	}
	if err = c.store.InsertTemplate(ctx, t); err != nil {
		err = fmt.Errorf("insert template: %w", err)
		return domain.Template{}, err
	}
	span.SetAttributes(attribute.String("template", t.ID), attribute.Int("items", len(t.Items)))
	created, err := c.store.GetTemplate(ctx, t.ID)
	return created, err
}

// UpdateTemplate rewrites the header of a template. Item contents that are not
// already on the template are appended; existing items never change.
func (c *Catalog) UpdateTemplate(ctx context.Context, id string, opts TemplateOptions) (domain.Template, error) {
	ctx, span := startSpan(ctx, c.tracer, "catalog.update_template", attribute.String("template", id))
	var err error
	defer func() { endSpan(span, err) }()

	opts, err = opts.normalize()
	if err != nil {
		return domain.Template{}, err
	}
	cur, err := c.store.GetTemplate(ctx, id)
	if err != nil {
		return domain.Template{}, err
	}
	known := map[string]bool{}
	next := 0
	for _, it := range cur.Items {
		known[it.Content] = true
		if it.Sequence >= next {
			next = it.Sequence + 1
		}
	}
	var added []domain.ChecklistItem
	for _, content := range opts.Items {
		if known[content] {
			continue
		}
		known[content] = true
		added = append(added, domain.ChecklistItem{ID: uuid.NewString(), TemplateID: id, Content: content, Sequence: next})
		next++
	}
	cur.Workplace = opts.Workplace
	cur.Team = opts.Team
	cur.Job = opts.Job
	cur.Situation = opts.Situation
	cur.ChecklistTitle = opts.ChecklistTitle
	cur.Matching = opts.Matching
	span.SetAttributes(attribute.Int("items_added", len(added)))
	if err = c.store.UpdateTemplate(ctx, cur, added); err != nil {
		err = fmt.Errorf("update template: %w", err)
		return domain.Template{}, err
	}
	updated, err := c.store.GetTemplate(ctx, id)
	return updated, err
}

// DeleteTemplate removes the template with its items and task groups. Job
// instructions referencing it stay on the board as orphans.
func (c *Catalog) DeleteTemplate(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, c.tracer, "catalog.delete_template", attribute.String("template", id))
	err := c.store.DeleteTemplate(ctx, id)
	endSpan(span, err)
	return err
}

func (c *Catalog) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return c.store.GetTemplate(ctx, id)
}

func (c *Catalog) ListTemplates(ctx context.Context, team string) ([]domain.Template, error) {
	return c.store.ListTemplates(ctx, strings.TrimSpace(team))
}

// AttachItemImage uploads a reference image and records its URL on the item.
func (c *Catalog) AttachItemImage(ctx context.Context, itemID string, obj evidence.Object) (domain.ChecklistItem, error) {
	ctx, span := startSpan(ctx, c.tracer, "catalog.attach_item_image", attribute.String("item", itemID))
	var err error
	defer func() { endSpan(span, err) }()

	if _, err = c.store.GetItem(ctx, itemID); err != nil {
		return domain.ChecklistItem{}, err
	}
	if c.evidence == nil {
		err = fmt.Errorf("%w: no evidence store configured", ErrUploadFailed)
		return domain.ChecklistItem{}, err
	}
	url, upErr := c.evidence.Upload(ctx, c.bucket, obj)
	if upErr != nil {
		err = fmt.Errorf("%w: %v", ErrUploadFailed, upErr)
		return domain.ChecklistItem{}, err
	}
	if err = c.store.SetItemImage(ctx, itemID, url); err != nil {
		return domain.ChecklistItem{}, err
	}
	return c.store.GetItem(ctx, itemID)
}

// RegisterTaskGroup creates a task group over itemIDs. A group with the same
// item set under the template is rejected before anything is written.
func (c *Catalog) RegisterTaskGroup(ctx context.Context, templateID string, itemIDs []string, name string) (domain.TaskGroup, error) {
	ctx, span := startSpan(ctx, c.tracer, "catalog.register_task_group", attribute.String("template", templateID))
	var err error
	defer func() { endSpan(span, err) }()

	ids := make([]string, 0, len(itemIDs))
	seen := map[string]bool{}
	for _, id := range itemIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if seen[id] {
			err = invalid("checklist item %s listed twice", id)
			return domain.TaskGroup{}, err
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		err = invalid("a task group needs at least one checklist item")
		return domain.TaskGroup{}, err
	}
	tmpl, err := c.store.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.TaskGroup{}, err
	}
	missing, err := c.store.ItemsBelongTo(ctx, templateID, ids)
	if err != nil {
		return domain.TaskGroup{}, err
	}
	if len(missing) > 0 {
		err = invalid("items %s do not belong to template %s", strings.Join(missing, ","), templateID)
		return domain.TaskGroup{}, err
	}
	if _, findErr := c.store.FindTaskGroupByKey(ctx, templateID, domain.ItemKey(ids)); findErr == nil {
		err = ErrDuplicateTaskGroup
		return domain.TaskGroup{}, err
	} else if !errors.Is(findErr, repo.ErrNotFound) {
		err = findErr
		return domain.TaskGroup{}, err
	}

	byID := map[string]domain.ChecklistItem{}
	for _, it := range tmpl.Items {
		byID[it.ID] = it
	}
	g := domain.TaskGroup{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		Name:       strings.TrimSpace(name),
		CreatedAt:  c.clock.stamp(),
	}
	for _, id := range ids {
		g.Items = append(g.Items, byID[id])
	}
	if err = c.store.InsertTaskGroup(ctx, g); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			err = ErrDuplicateTaskGroup
		}
		return domain.TaskGroup{}, err
	}
	return c.store.GetTaskGroup(ctx, g.ID)
}

// DeleteTaskGroup removes the group definition only; board rows referencing it
// are left in place.
func (c *Catalog) DeleteTaskGroup(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, c.tracer, "catalog.delete_task_group", attribute.String("task_group", id))
	err := c.store.DeleteTaskGroup(ctx, id)
	endSpan(span, err)
	return err
}

func (c *Catalog) TaskGroup(ctx context.Context, id string) (domain.TaskGroup, error) {
	return c.store.GetTaskGroup(ctx, id)
}

func (c *Catalog) TaskGroups(ctx context.Context, templateID string) ([]domain.TaskGroup, error) {
	if _, err := c.store.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	return c.store.ListTaskGroups(ctx, templateID)
}

// RegisterAdHoc registers a template from the floor together with a task
// group covering all of its items.
func (c *Catalog) RegisterAdHoc(ctx context.Context, opts TemplateOptions, groupName string) (domain.Template, domain.TaskGroup, error) {
	t, err := c.CreateTemplate(ctx, opts)
	if err != nil {
		return domain.Template{}, domain.TaskGroup{}, err
	}
	if groupName == "" {
		groupName = t.ChecklistTitle
	}
	var ids []string
	for _, it := range t.Items {
		ids = append(ids, it.ID)
	}
	g, err := c.RegisterTaskGroup(ctx, t.ID, ids, groupName)
	if err != nil {
		return t, domain.TaskGroup{}, fmt.Errorf("register task group for template %s: %w", t.ID, err)
	}
	return t, g, nil
}
