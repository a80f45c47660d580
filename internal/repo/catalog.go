package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"checkline/internal/domain"
)

const templateColumns = `id,workplace,team,job,tpo_time,tpo_place,tpo_occasion,checklist_title,matching_evidence,matching_method,matching_tags_json,created_at`

func scanTemplate(s scanner) (domain.Template, error) {
	var t domain.Template
	var evidence, method, tags sql.NullString
	if err := s.Scan(&t.ID, &t.Workplace, &t.Team, &t.Job, &t.Situation.Time, &t.Situation.Place, &t.Situation.Occasion,
		&t.ChecklistTitle, &evidence, &method, &tags, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Matching.EvidenceType = evidence.String
	t.Matching.Method = method.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &t.Matching.Tags); err != nil {
			return t, fmt.Errorf("template %s tags: %w", t.ID, err)
		}
	}
	t.Stage = domain.StageOf(t.Situation)
	return t, nil
}

func tagsJSON(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func insertItems(ctx context.Context, q querier, items []domain.ChecklistItem) error {
	for _, it := range items {
		if _, err := q.ExecContext(ctx, `INSERT INTO checklist_items(id,template_id,content,image_url,sequence_order) VALUES (?,?,?,?,?)`,
			it.ID, it.TemplateID, it.Content, nullableStringPtr(it.ImageURL), it.Sequence); err != nil {
			return translate(err)
		}
	}
	return nil
}

// InsertTemplate stores a template with its checklist items.
func (r Repo) InsertTemplate(ctx context.Context, t domain.Template) error {
	tags, err := tagsJSON(t.Matching.Tags)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO templates(`+templateColumns+`) VALUES (`+placeholders(12)+`)`,
			t.ID, t.Workplace, t.Team, t.Job, t.Situation.Time, t.Situation.Place, t.Situation.Occasion, t.ChecklistTitle,
			nullable(t.Matching.EvidenceType), nullable(t.Matching.Method), tags, t.CreatedAt); err != nil {
			return translate(err)
		}
		return insertItems(ctx, tx, t.Items)
	})
}

// UpdateTemplate rewrites the template header and appends newItems. Existing
// checklist items are left as they are.
func (r Repo) UpdateTemplate(ctx context.Context, t domain.Template, newItems []domain.ChecklistItem) error {
	tags, err := tagsJSON(t.Matching.Tags)
	if err != nil {
		return err
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE templates SET workplace=?, team=?, job=?, tpo_time=?, tpo_place=?, tpo_occasion=?, checklist_title=?,
matching_evidence=?, matching_method=?, matching_tags_json=? WHERE id=?`,
			t.Workplace, t.Team, t.Job, t.Situation.Time, t.Situation.Place, t.Situation.Occasion, t.ChecklistTitle,
			nullable(t.Matching.EvidenceType), nullable(t.Matching.Method), tags, t.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertItems(ctx, tx, newItems)
	})
}

func (r Repo) DeleteTemplate(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id))
	if err != nil {
		return t, translate(err)
	}
	t.Items, err = r.ListItems(ctx, id)
	return t, err
}

// ListTemplates returns templates newest first, optionally for one team.
func (r Repo) ListTemplates(ctx context.Context, team string) ([]domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates`
	var args []any
	if team != "" {
		query += ` WHERE team=?`
		args = append(args, team)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Items, err = r.ListItems(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) ListItems(ctx context.Context, templateID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,content,image_url,sequence_order FROM checklist_items WHERE template_id=? ORDER BY sequence_order, rowid`, templateID)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	var image sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,template_id,content,image_url,sequence_order FROM checklist_items WHERE id=?`, id).
		Scan(&it.ID, &it.TemplateID, &it.Content, &image, &it.Sequence)
	if err != nil {
		return it, translate(err)
	}
	it.ImageURL = stringPtr(image)
	return it, nil
}

// SetItemImage is the only mutation a checklist item accepts.
func (r Repo) SetItemImage(ctx context.Context, itemID, url string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE checklist_items SET image_url=? WHERE id=?`, nullable(url), itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanItems(rows *sql.Rows) ([]domain.ChecklistItem, error) {
	defer rows.Close()
	res := []domain.ChecklistItem{}
	for rows.Next() {
		var it domain.ChecklistItem
		var image sql.NullString
		if err := rows.Scan(&it.ID, &it.TemplateID, &it.Content, &image, &it.Sequence); err != nil {
			return nil, err
		}
		it.ImageURL = stringPtr(image)
		res = append(res, it)
	}
	return res, rows.Err()
}

// InsertTaskGroup stores the group and its item links. A second group with the
// same item key under one template fails with ErrConflict.
func (r Repo) InsertTaskGroup(ctx context.Context, g domain.TaskGroup) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_groups(id,template_id,group_name,item_key,created_at) VALUES (?,?,?,?,?)`,
			g.ID, g.TemplateID, nullable(g.Name), domain.ItemKey(g.ItemIDs()), g.CreatedAt); err != nil {
			return translate(err)
		}
		for i, it := range g.Items {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_group_items(group_id,checklist_item_id,position) VALUES (?,?,?)`, g.ID, it.ID, i); err != nil {
				return translate(err)
			}
		}
		return nil
	})
}

// FindTaskGroupByKey looks a group up by its order-independent item key.
func (r Repo) FindTaskGroupByKey(ctx context.Context, templateID, key string) (domain.TaskGroup, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM task_groups WHERE template_id=? AND item_key=?`, templateID, key).Scan(&id)
	if err != nil {
		return domain.TaskGroup{}, translate(err)
	}
	return r.GetTaskGroup(ctx, id)
}

func (r Repo) GetTaskGroup(ctx context.Context, id string) (domain.TaskGroup, error) {
	var g domain.TaskGroup
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,template_id,group_name,created_at FROM task_groups WHERE id=?`, id).
		Scan(&g.ID, &g.TemplateID, &name, &g.CreatedAt)
	if err != nil {
		return g, translate(err)
	}
	g.Name = name.String
	rows, err := r.DB.QueryContext(ctx, `SELECT ci.id,ci.template_id,ci.content,ci.image_url,ci.sequence_order
FROM task_group_items gi JOIN checklist_items ci ON ci.id = gi.checklist_item_id
WHERE gi.group_id=? ORDER BY gi.position`, id)
	if err != nil {
		return g, err
	}
	g.Items, err = scanItems(rows)
	return g, err
}

func (r Repo) ListTaskGroups(ctx context.Context, templateID string) ([]domain.TaskGroup, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM task_groups WHERE template_id=? ORDER BY created_at, rowid`, templateID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.TaskGroup, 0, len(ids))
	for _, id := range ids {
		g, err := r.GetTaskGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, nil
}

func (r Repo) DeleteTaskGroup(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM task_groups WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ItemsBelongTo reports the ids in itemIDs that are not items of templateID.
func (r Repo) ItemsBelongTo(ctx context.Context, templateID string, itemIDs []string) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	args := []any{templateID}
	for _, id := range itemIDs {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM checklist_items WHERE template_id=? AND id IN (`+placeholders(len(itemIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	var missing []string
	for _, id := range itemIDs {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, rows.Err()
}
