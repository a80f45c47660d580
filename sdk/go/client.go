package checklinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Checkline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Instruction represents the API job instruction model (partial).
type Instruction struct {
	ID                 string  `json:"id"`
	TaskGroupID        *string `json:"task_group_id,omitempty"`
	Team               string  `json:"team"`
	Subject            string  `json:"subject"`
	Description        string  `json:"description,omitempty"`
	Assignee           *string `json:"assignee,omitempty"`
	Status             string  `json:"status"`
	StartedAt          *string `json:"started_at,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty"`
	EvidenceURL        *string `json:"evidence_url,omitempty"`
	VerificationResult *string `json:"verification_result,omitempty"`
	AIScore            *int    `json:"ai_score,omitempty"`
	AIAnalysis         *string `json:"ai_analysis,omitempty"`
	FeedbackComment    *string `json:"feedback_comment,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

// Deployment is the result of deploying a task group.
type Deployment struct {
	Instruction Instruction `json:"instruction"`
	Created     bool        `json:"created"`
}

// ActionItem is a failed instruction awaiting corrective action.
type ActionItem struct {
	ID        string `json:"id"`
	Team      string `json:"team"`
	Assignee  string `json:"assignee,omitempty"`
	Issue     string `json:"issue"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Cause     string `json:"cause,omitempty"`
	Solution  string `json:"solution,omitempty"`
}

// Stats mirrors the compliance statistics of a team.
type Stats struct {
	Total          int `json:"total"`
	Completed      int `json:"completed"`
	Delayed        int `json:"delayed"`
	NonCompliant   int `json:"non_compliant"`
	ComplianceRate int `json:"compliance_rate"`
	ActionRequired int `json:"action_required"`
}

// Evidence is a file attached when completing an instruction.
type Evidence struct {
	Name        string
	ContentType string
	Data        []byte
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts the error code from the response envelope, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &env) != nil {
		return ""
	}
	return env.Error.Code
}

// Deploy puts a task group on the board.
func (c *Client) Deploy(ctx context.Context, taskGroupID string) (Deployment, error) {
	var resp Deployment
	err := c.do(ctx, http.MethodPost, groupPath(taskGroupID, "deploy"), nil, &resp)
	return resp, err
}

// RemoveFromBoard deletes every row of a task group and returns the count.
func (c *Client) RemoveFromBoard(ctx context.Context, taskGroupID string) (int64, error) {
	var resp struct {
		Removed int64 `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, groupPath(taskGroupID, "board"), nil, &resp)
	return resp.Removed, err
}

// Assign gives worker a row of the task group.
func (c *Client) Assign(ctx context.Context, taskGroupID, worker string) (Instruction, error) {
	var resp Instruction
	err := c.do(ctx, http.MethodPost, groupPath(taskGroupID, "assignees"), map[string]any{"worker": worker}, &resp)
	return resp, err
}

// Unassign removes worker from the task group.
func (c *Client) Unassign(ctx context.Context, taskGroupID, worker string) error {
	return c.do(ctx, http.MethodDelete, groupPath(taskGroupID, "assignees/"+url.PathEscape(worker)), nil, nil)
}

// BatchDeploy deploys each task group to the listed workers.
func (c *Client) BatchDeploy(ctx context.Context, plan map[string][]string) ([]Instruction, error) {
	var resp []Instruction
	err := c.do(ctx, http.MethodPost, "v1/board/batch", map[string]any{"plan": plan}, &resp)
	return resp, err
}

// DeployedTaskGroups returns the ids of task groups with live rows.
func (c *Client) DeployedTaskGroups(ctx context.Context) ([]string, error) {
	var resp struct {
		TaskGroupIDs []string `json:"task_group_ids"`
	}
	err := c.do(ctx, http.MethodGet, "v1/board/deployed", nil, &resp)
	return resp.TaskGroupIDs, err
}

// Instructions lists instructions of a team; an empty team lists all.
func (c *Client) Instructions(ctx context.Context, team string) ([]Instruction, error) {
	var resp []Instruction
	err := c.do(ctx, http.MethodGet, withTeam("v1/instructions", team), nil, &resp)
	return resp, err
}

// Transition moves an instruction to status.
func (c *Client) Transition(ctx context.Context, id, status string) (Instruction, error) {
	var resp Instruction
	err := c.do(ctx, http.MethodPost, instructionPath(id, "transition"), map[string]any{"status": status}, &resp)
	return resp, err
}

// Complete marks an instruction completed, uploading ev first when given.
func (c *Client) Complete(ctx context.Context, id string, ev *Evidence) (Instruction, error) {
	body := map[string]any{}
	if ev != nil {
		body["evidence"] = map[string]string{
			"name":         ev.Name,
			"content_type": ev.ContentType,
			"data":         base64.StdEncoding.EncodeToString(ev.Data),
		}
	}
	var resp Instruction
	err := c.do(ctx, http.MethodPost, instructionPath(id, "complete"), body, &resp)
	return resp, err
}

// Verdict records pass, fail or cancel_approval for a finished instruction.
func (c *Client) Verdict(ctx context.Context, id, decision, feedback string) (Instruction, error) {
	body := map[string]any{"decision": decision}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp Instruction
	err := c.do(ctx, http.MethodPost, instructionPath(id, "verdict"), body, &resp)
	return resp, err
}

// ActionItems lists the action plan of a team.
func (c *Client) ActionItems(ctx context.Context, team string) ([]ActionItem, error) {
	var resp []ActionItem
	err := c.do(ctx, http.MethodGet, withTeam("v1/action-items", team), nil, &resp)
	return resp, err
}

// Stats returns compliance statistics for a team.
func (c *Client) Stats(ctx context.Context, team string) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, withTeam("v1/stats", team), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func groupPath(id, p string) string {
	return fmt.Sprintf("v1/task-groups/%s/%s", url.PathEscape(id), p)
}

func instructionPath(id, p string) string {
	return fmt.Sprintf("v1/instructions/%s/%s", url.PathEscape(id), p)
}

func withTeam(endpoint, team string) string {
	if team == "" {
		return endpoint
	}
	return endpoint + "?team=" + url.QueryEscape(team)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
