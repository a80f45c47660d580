package server

import (
	"checkline/internal/domain"
	"checkline/internal/engine"
)

// Request payloads

type SituationRequest struct {
	Time     string `json:"time,omitempty"`
	Place    string `json:"place"`
	Occasion string `json:"occasion"`
}

type MatchingRequest struct {
	EvidenceType string   `json:"evidence_type,omitempty"`
	Method       string   `json:"method,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

type TemplateRequest struct {
	Workplace      string           `json:"workplace,omitempty"`
	Team           string           `json:"team"`
	Job            string           `json:"job,omitempty"`
	Situation      SituationRequest `json:"situation"`
	ChecklistTitle string           `json:"checklist_title,omitempty"`
	Items          []string         `json:"items"`
	Matching       *MatchingRequest `json:"matching,omitempty"`
}

func (r TemplateRequest) options() engine.TemplateOptions {
	opts := engine.TemplateOptions{
		Workplace: r.Workplace,
		Team:      r.Team,
		Job:       r.Job,
		Situation: domain.Situation{
			Time:     r.Situation.Time,
			Place:    r.Situation.Place,
			Occasion: r.Situation.Occasion,
		},
		ChecklistTitle: r.ChecklistTitle,
		Items:          r.Items,
	}
	if r.Matching != nil {
		opts.Matching = domain.Matching{
			EvidenceType: r.Matching.EvidenceType,
			Method:       r.Matching.Method,
			Tags:         r.Matching.Tags,
		}
	}
	return opts
}

type RegisterTaskGroupRequest struct {
	ItemIDs []string `json:"item_ids"`
	Name    string   `json:"name,omitempty"`
}

type AssignRequest struct {
	Worker string `json:"worker"`
}

type BatchDeployRequest struct {
	// Plan maps task group ids to the workers that should receive a row.
	Plan map[string][]string `json:"plan"`
}

type CreateInstructionRequest struct {
	Team        string `json:"team"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Job         string `json:"job,omitempty"`
	Workplace   string `json:"workplace,omitempty"`
	Deadline    string `json:"deadline,omitempty" format:"date-time"`
	TaskGroupID string `json:"task_group_id,omitempty"`
	TemplateID  string `json:"template_id,omitempty"`
}

type EvidenceRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	// Data is the base64 encoded file content.
	Data string `json:"data"`
}

type TransitionRequest struct {
	Status   string           `json:"status" enum:"waiting,in_progress,completed,delayed,non_compliant"`
	Force    bool             `json:"force,omitempty"`
	Evidence *EvidenceRequest `json:"evidence,omitempty"`
}

type CompleteRequest struct {
	Evidence *EvidenceRequest `json:"evidence,omitempty"`
}

type VerdictRequest struct {
	Decision string  `json:"decision" doc:"pass, fail or cancel_approval"`
	Feedback *string `json:"feedback,omitempty"`
}

type AnalyzePendingRequest struct {
	Team string `json:"team,omitempty"`
}

type ResolveRequest struct {
	Feedback *string `json:"feedback,omitempty"`
}

// Responses

type DeployResponse struct {
	Instruction domain.JobInstruction `json:"instruction"`
	Created     bool                  `json:"created"`
}

type RemovedResponse struct {
	Removed int64 `json:"removed"`
}

type DeployedResponse struct {
	TaskGroupIDs []string `json:"task_group_ids"`
}

type SweepResponse struct {
	Delayed int `json:"delayed"`
}
