package engine

import (
	"context"
	"math"
	"sort"
	"strings"

	"checkline/internal/config"
	"checkline/internal/domain"
	"checkline/internal/overrides"
	"checkline/internal/repo"
)

// Board serves the read side. Every instruction it returns has its soft fields
// merged with the override cache.
type Board struct {
	jobs  JobStore
	cache overrides.Store
	cfg   *config.Config
}

func (b *Board) Instructions(ctx context.Context, f repo.InstructionFilter) ([]domain.JobInstruction, error) {
	rows, err := b.jobs.ListInstructions(ctx, f)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.JobInstruction{}
	}
	return overrides.MergeAll(ctx, b.cache, rows), nil
}

func (b *Board) Instruction(ctx context.Context, id string) (domain.JobInstruction, error) {
	j, err := b.jobs.GetInstruction(ctx, id)
	if err != nil {
		return j, err
	}
	return overrides.MergeOne(ctx, b.cache, j), nil
}

// InspectionResults lists the team's finished work, most recently completed first.
func (b *Board) InspectionResults(ctx context.Context, team string) ([]domain.JobInstruction, error) {
	return b.Instructions(ctx, repo.InstructionFilter{
		Team:     team,
		Statuses: []domain.Status{domain.StatusCompleted, domain.StatusNonCompliant},
		OrderBy:  repo.OrderCompleted,
	})
}

// ActionItems projects every team instruction needing corrective action,
// whatever its status, most recent first.
func (b *Board) ActionItems(ctx context.Context, team string) ([]domain.ActionPlanItem, error) {
	rows, err := b.Instructions(ctx, repo.InstructionFilter{Team: team, OrderBy: repo.OrderCompleted})
	if err != nil {
		return nil, err
	}
	items := []domain.ActionPlanItem{}
	for _, j := range rows {
		if !j.NeedsAction() {
			continue
		}
		items = append(items, b.actionItem(j))
	}
	sort.SliceStable(items, func(i, k int) bool { return items[i].Timestamp > items[k].Timestamp })
	return items, nil
}

func (b *Board) actionItem(j domain.JobInstruction) domain.ActionPlanItem {
	item := domain.ActionPlanItem{
		ID:        j.ID,
		Team:      j.Team,
		Issue:     j.Subject,
		Reason:    j.Description,
		Timestamp: j.CreatedAt,
		Status:    domain.ActionPending,
	}
	if item.Reason == "" {
		item.Reason = b.cfg.Verification.DefaultReason
	}
	if j.Assignee != nil {
		item.Assignee = *j.Assignee
	}
	if j.CompletedAt != nil {
		item.Timestamp = *j.CompletedAt
	}
	if j.AIAnalysis != nil {
		item.Cause = *j.AIAnalysis
	}
	if j.FeedbackComment != nil {
		item.Solution = *j.FeedbackComment
	}
	return item
}

// DeployedTaskGroupIDs lists the task groups that currently have live rows.
func (b *Board) DeployedTaskGroupIDs(ctx context.Context) ([]string, error) {
	return b.jobs.DeployedTaskGroupIDs(ctx)
}

// Columns groups the team's instructions for the kanban board.
func (b *Board) Columns(ctx context.Context, team string) (domain.BoardColumns, error) {
	cols := domain.BoardColumns{
		Before: []domain.JobInstruction{},
		Doing:  []domain.JobInstruction{},
		After:  []domain.JobInstruction{},
	}
	rows, err := b.Instructions(ctx, repo.InstructionFilter{Team: team})
	if err != nil {
		return cols, err
	}
	for _, j := range rows {
		switch j.Status {
		case domain.StatusWaiting:
			cols.Before = append(cols.Before, j)
		case domain.StatusInProgress, domain.StatusDelayed:
			cols.Doing = append(cols.Doing, j)
		default:
			cols.After = append(cols.After, j)
		}
	}
	return cols, nil
}

// Stats aggregates compliance for a team, or for every team when team is empty.
func (b *Board) Stats(ctx context.Context, team string) (domain.ComplianceStats, error) {
	rows, err := b.Instructions(ctx, repo.InstructionFilter{Team: team})
	if err != nil {
		return domain.ComplianceStats{}, err
	}
	return ComputeStats(rows), nil
}

// ComputeStats derives compliance figures from merged rows. The rate is the
// share of passed verdicts among verified rows, 100 when nothing is verified.
func ComputeStats(rows []domain.JobInstruction) domain.ComplianceStats {
	var s domain.ComplianceStats
	var verified, passed int
	s.Total = len(rows)
	for _, j := range rows {
		if j.Status.Done() {
			s.Completed++
		}
		if j.Status == domain.StatusDelayed {
			s.Delayed++
		}
		if j.NeedsAction() {
			s.NonCompliant++
		}
		if j.VerificationResult != nil {
			verified++
			if *j.VerificationResult == domain.VerdictPass {
				passed++
			}
		}
	}
	s.ActionRequired = s.NonCompliant
	s.ComplianceRate = 100
	if verified > 0 {
		s.ComplianceRate = int(math.Round(float64(passed) / float64(verified) * 100))
	}
	return s
}

// StaffSummary reports per-worker results for a team, riskiest first.
func (b *Board) StaffSummary(ctx context.Context, team string) ([]domain.StaffSummary, error) {
	rows, err := b.Instructions(ctx, repo.InstructionFilter{Team: team})
	if err != nil {
		return nil, err
	}
	return SummarizeStaff(rows, b.cfg.Verification.DefaultFeedback), nil
}

// SummarizeStaff groups merged rows by assignee. A role suffix such as
// "Kim (supervisor)" is folded into the bare name.
func SummarizeStaff(rows []domain.JobInstruction, defaultFeedback string) []domain.StaffSummary {
	byName := map[string]*domain.StaffSummary{}
	var order []string
	for _, j := range rows {
		if j.Assignee == nil {
			continue
		}
		name := staffName(*j.Assignee)
		if name == "" {
			continue
		}
		s, ok := byName[name]
		if !ok {
			s = &domain.StaffSummary{Assignee: name, Logs: []domain.StaffLog{}}
			byName[name] = s
			order = append(order, name)
		}
		failed := j.VerificationResult != nil && *j.VerificationResult == domain.VerdictFail
		risk := j.Status == domain.StatusNonCompliant || failed
		s.Total++
		if j.Status == domain.StatusCompleted && !failed {
			s.OK++
		}
		if risk {
			s.Non++
		}
		if j.Status == domain.StatusDelayed {
			s.Delay++
		}
		desc := j.Description
		if desc == "" {
			desc = "No remarks"
		}
		feedback := defaultFeedback
		switch {
		case j.FeedbackComment != nil && *j.FeedbackComment != "":
			feedback = *j.FeedbackComment
		case failed:
			feedback = "Action required"
		}
		s.Logs = append(s.Logs, domain.StaffLog{
			InstructionID: j.ID,
			Subject:       j.Subject,
			Team:          j.Team,
			Description:   desc,
			Feedback:      feedback,
			IsRisk:        risk,
			AIScore:       j.AIScore,
		})
	}
	res := make([]domain.StaffSummary, 0, len(order))
	for _, name := range order {
		s := byName[name]
		s.Status = "GOOD"
		if s.Non > 0 {
			s.Status = "RISK"
		}
		res = append(res, *s)
	}
	sort.SliceStable(res, func(i, k int) bool {
		if res[i].Non != res[k].Non {
			return res[i].Non > res[k].Non
		}
		return res[i].Assignee < res[k].Assignee
	})
	return res
}

func staffName(assignee string) string {
	name, _, _ := strings.Cut(assignee, " (")
	return strings.TrimSpace(name)
}
