package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"checkline/internal/domain"
)

const jobColumns = `id,template_id,task_group_id,team,job,workplace,subject,description,assignee,status,started_at,completed_at,deadline,evidence_url,verification_result,ai_score,ai_analysis,feedback_comment,created_at`

// AssigneeFilter narrows ListByTaskGroup. The zero value matches every row.
type AssigneeFilter struct {
	Unassigned bool
	Worker     string
}

func AnyAssignee() AssigneeFilter         { return AssigneeFilter{} }
func UnassignedOnly() AssigneeFilter      { return AssigneeFilter{Unassigned: true} }
func Worker(worker string) AssigneeFilter { return AssigneeFilter{Worker: worker} }

type Order string

const (
	OrderCreated   Order = "created"
	OrderCompleted Order = "completed"
)

type InstructionFilter struct {
	Team        string
	Statuses    []domain.Status
	Assignee    string
	TaskGroupID string
	OrderBy     Order
	Limit       int
}

func scanJob(s scanner) (domain.JobInstruction, error) {
	var j domain.JobInstruction
	var templateID, groupID, job, workplace, description, assignee sql.NullString
	var startedAt, completedAt, deadline, evidence, verdict, analysis, feedback sql.NullString
	var status string
	var score sql.NullInt64
	if err := s.Scan(&j.ID, &templateID, &groupID, &j.Team, &job, &workplace, &j.Subject, &description, &assignee, &status,
		&startedAt, &completedAt, &deadline, &evidence, &verdict, &score, &analysis, &feedback, &j.CreatedAt); err != nil {
		return j, err
	}
	j.TemplateID = stringPtr(templateID)
	j.TaskGroupID = stringPtr(groupID)
	j.Job = stringPtr(job)
	j.Workplace = stringPtr(workplace)
	if description.Valid {
		j.Description = description.String
	}
	j.Assignee = stringPtr(assignee)
	j.Status = domain.Status(status)
	j.StartedAt = stringPtr(startedAt)
	j.CompletedAt = stringPtr(completedAt)
	j.Deadline = stringPtr(deadline)
	j.EvidenceURL = stringPtr(evidence)
	if verdict.Valid {
		v := domain.Verdict(verdict.String)
		j.VerificationResult = &v
	}
	if score.Valid {
		n := int(score.Int64)
		j.AIScore = &n
	}
	j.AIAnalysis = stringPtr(analysis)
	j.FeedbackComment = stringPtr(feedback)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]domain.JobInstruction, error) {
	defer rows.Close()
	var res []domain.JobInstruction
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func jobArgs(j domain.JobInstruction) []any {
	var verdict any
	if j.VerificationResult != nil {
		verdict = string(*j.VerificationResult)
	}
	return []any{
		j.ID, nullableStringPtr(j.TemplateID), nullableStringPtr(j.TaskGroupID), j.Team, nullableStringPtr(j.Job), nullableStringPtr(j.Workplace),
		j.Subject, nullable(j.Description), nullableStringPtr(j.Assignee), string(j.Status),
		nullableStringPtr(j.StartedAt), nullableStringPtr(j.CompletedAt), nullableStringPtr(j.Deadline), nullableStringPtr(j.EvidenceURL),
		verdict, nullableIntPtr(j.AIScore), nullableStringPtr(j.AIAnalysis), nullableStringPtr(j.FeedbackComment), j.CreatedAt,
	}
}

func insertJob(ctx context.Context, q querier, j domain.JobInstruction) error {
	_, err := q.ExecContext(ctx, `INSERT INTO job_instructions(`+jobColumns+`) VALUES (`+placeholders(19)+`)`, jobArgs(j)...)
	return translate(err)
}

// Insert stores a single row and returns it as persisted.
func (r Repo) Insert(ctx context.Context, j domain.JobInstruction) (domain.JobInstruction, error) {
	if err := insertJob(ctx, r.DB, j); err != nil {
		return domain.JobInstruction{}, err
	}
	return r.GetInstruction(ctx, j.ID)
}

// InsertMany stores every row in one transaction; either all rows land or none do.
func (r Repo) InsertMany(ctx context.Context, rows []domain.JobInstruction) error {
	if len(rows) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for i, j := range rows {
			if err := insertJob(ctx, tx, j); err != nil {
				return fmt.Errorf("insert row %d of %d: %w", i+1, len(rows), err)
			}
		}
		return nil
	})
}

// Update writes the set fields of p to the row.
func (r Repo) Update(ctx context.Context, id string, p domain.Patch) error {
	var (
		fields []string
		args   []any
	)
	setField(&fields, &args, "assignee", p.Assignee)
	setField(&fields, &args, "status", p.Status)
	setField(&fields, &args, "subject", p.Subject)
	setField(&fields, &args, "description", p.Description)
	setField(&fields, &args, "started_at", p.StartedAt)
	setField(&fields, &args, "completed_at", p.CompletedAt)
	setField(&fields, &args, "deadline", p.Deadline)
	setField(&fields, &args, "evidence_url", p.EvidenceURL)
	setField(&fields, &args, "verification_result", p.VerificationResult)
	setField(&fields, &args, "ai_score", p.AIScore)
	setField(&fields, &args, "ai_analysis", p.AIAnalysis)
	setField(&fields, &args, "feedback_comment", p.FeedbackComment)
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE job_instructions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM job_instructions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByTaskGroup removes every row of the group and reports how many went.
func (r Repo) DeleteByTaskGroup(ctx context.Context, taskGroupID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM job_instructions WHERE task_group_id=?`, taskGroupID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListByTaskGroup returns the group's rows oldest first.
func (r Repo) ListByTaskGroup(ctx context.Context, taskGroupID string, f AssigneeFilter) ([]domain.JobInstruction, error) {
	clauses := []string{"task_group_id=?"}
	args := []any{taskGroupID}
	switch {
	case f.Unassigned:
		clauses = append(clauses, "assignee IS NULL")
	case f.Worker != "":
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Worker)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM job_instructions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (r Repo) GetInstruction(ctx context.Context, id string) (domain.JobInstruction, error) {
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_instructions WHERE id=?`, id))
	if err != nil {
		return j, translate(err)
	}
	return j, nil
}

// ListInstructions filters by team and status set, newest first by creation
// or completion time.
func (r Repo) ListInstructions(ctx context.Context, f InstructionFilter) ([]domain.JobInstruction, error) {
	var clauses []string
	var args []any
	if f.Team != "" {
		clauses = append(clauses, "team=?")
		args = append(args, f.Team)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.TaskGroupID != "" {
		clauses = append(clauses, "task_group_id=?")
		args = append(args, f.TaskGroupID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order := ` ORDER BY created_at DESC, rowid DESC`
	if f.OrderBy == OrderCompleted {
		order = ` ORDER BY completed_at IS NULL, completed_at DESC, created_at DESC, rowid DESC`
	}
	query := `SELECT ` + jobColumns + ` FROM job_instructions ` + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// DeployedTaskGroupIDs reads the materialized live-row counters.
func (r Repo) DeployedTaskGroupIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_group_id FROM board_counters WHERE live_count > 0 ORDER BY task_group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LiveCount returns the number of live rows for a task group.
func (r Repo) LiveCount(ctx context.Context, taskGroupID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT live_count FROM board_counters WHERE task_group_id=?`, taskGroupID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// ListOverdue returns live rows whose deadline is before now (RFC3339).
func (r Repo) ListOverdue(ctx context.Context, now string) ([]domain.JobInstruction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM job_instructions
WHERE deadline IS NOT NULL AND deadline < ? AND status IN (?,?)
ORDER BY deadline ASC, rowid ASC`, now, string(domain.StatusWaiting), string(domain.StatusInProgress))
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}
