package domain

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusDelayed      Status = "delayed"
	StatusNonCompliant Status = "non_compliant"
)

// LiveStatuses are the statuses that keep a task group on the board.
var LiveStatuses = []Status{StatusWaiting, StatusInProgress}

// Live reports whether the status counts toward the deployed state of a task group.
func (s Status) Live() bool {
	return s == StatusWaiting || s == StatusInProgress
}

// Done reports whether the instruction has reached an inspectable state.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusNonCompliant
}

func ParseStatus(in string) (Status, error) {
	switch s := Status(strings.TrimSpace(in)); s {
	case StatusWaiting, StatusInProgress, StatusCompleted, StatusDelayed, StatusNonCompliant:
		return s, nil
	}
	return "", fmt.Errorf("invalid status %q", in)
}

type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

func ParseVerdict(in string) (Verdict, error) {
	switch v := Verdict(strings.TrimSpace(in)); v {
	case VerdictPass, VerdictFail:
		return v, nil
	}
	return "", fmt.Errorf("invalid verification result %q", in)
}

type ChecklistItem struct {
	ID         string  `json:"id"`
	TemplateID string  `json:"template_id"`
	Content    string  `json:"content"`
	ImageURL   *string `json:"image_url,omitempty"`
	Sequence   int     `json:"sequence"`
}

type Situation struct {
	Time     string `json:"time"`
	Place    string `json:"place"`
	Occasion string `json:"occasion"`
}

type Matching struct {
	EvidenceType string   `json:"evidence_type,omitempty"`
	Method       string   `json:"method,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Template is a registered TPO checklist definition.
type Template struct {
	ID             string          `json:"id"`
	Workplace      string          `json:"workplace"`
	Team           string          `json:"team"`
	Job            string          `json:"job"`
	Situation      Situation       `json:"situation"`
	ChecklistTitle string          `json:"checklist_title"`
	Items          []ChecklistItem `json:"items"`
	Matching       Matching        `json:"matching"`
	Stage          Stage           `json:"stage"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
}

// TaskGroup is a subset of a template's items assigned as one unit of work.
type TaskGroup struct {
	ID         string          `json:"id"`
	TemplateID string          `json:"template_id"`
	Name       string          `json:"name,omitempty"`
	Items      []ChecklistItem `json:"items"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
}

// ItemIDs returns the ids of the group's items in stored order.
func (g TaskGroup) ItemIDs() []string {
	ids := make([]string, 0, len(g.Items))
	for _, it := range g.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

type JobInstruction struct {
	ID                 string   `json:"id"`
	TemplateID         *string  `json:"template_id,omitempty"`
	TaskGroupID        *string  `json:"task_group_id,omitempty"`
	Team               string   `json:"team"`
	Job                *string  `json:"job,omitempty"`
	Workplace          *string  `json:"workplace,omitempty"`
	Subject            string   `json:"subject"`
	Description        string   `json:"description,omitempty"`
	Assignee           *string  `json:"assignee,omitempty"`
	Status             Status   `json:"status" enum:"waiting,in_progress,completed,delayed,non_compliant"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	Deadline           *string  `json:"deadline,omitempty" format:"date-time"`
	EvidenceURL        *string  `json:"evidence_url,omitempty"`
	VerificationResult *Verdict `json:"verification_result,omitempty" enum:"pass,fail"`
	AIScore            *int     `json:"ai_score,omitempty"`
	AIAnalysis         *string  `json:"ai_analysis,omitempty"`
	FeedbackComment    *string  `json:"feedback_comment,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

// AssignedTo reports whether the instruction is held by worker.
func (j JobInstruction) AssignedTo(worker string) bool {
	return j.Assignee != nil && *j.Assignee == worker
}

// NeedsAction is the action plan predicate.
func (j JobInstruction) NeedsAction() bool {
	return j.Status == StatusNonCompliant || (j.VerificationResult != nil && *j.VerificationResult == VerdictFail)
}

type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionImpossible ActionStatus = "impossible"
)

// ActionPlanItem is derived from a failed job instruction; it is never stored.
type ActionPlanItem struct {
	ID        string       `json:"id"`
	Team      string       `json:"team"`
	Assignee  string       `json:"assignee,omitempty"`
	Issue     string       `json:"issue"`
	Reason    string       `json:"reason"`
	Timestamp string       `json:"timestamp" format:"date-time"`
	Status    ActionStatus `json:"status" enum:"pending,in_progress,completed,impossible"`
	Cause     string       `json:"cause,omitempty"`
	Solution  string       `json:"solution,omitempty"`
}

type ComplianceStats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Delayed        int `json:"delayed"`
	NonCompliant   int `json:"non_compliant"`
	ComplianceRate int `json:"compliance_rate"`
	ActionRequired int `json:"action_required"`
}

type StaffLog struct {
	InstructionID string `json:"instruction_id"`
	Subject       string `json:"subject"`
	Team          string `json:"team"`
	Description   string `json:"description,omitempty"`
	Feedback      string `json:"feedback"`
	IsRisk        bool   `json:"is_risk"`
	AIScore       *int   `json:"ai_score,omitempty"`
}

type StaffSummary struct {
	Assignee string     `json:"assignee"`
	Total    int        `json:"total"`
	OK       int        `json:"ok"`
	Non      int        `json:"non"`
	Delay    int        `json:"delay"`
	Status   string     `json:"status" enum:"GOOD,RISK"`
	Logs     []StaffLog `json:"logs"`
}

// BoardColumns groups a team's instructions for the kanban view.
type BoardColumns struct {
	Before []JobInstruction `json:"before"`
	Doing  []JobInstruction `json:"doing"`
	After  []JobInstruction `json:"after"`
}
