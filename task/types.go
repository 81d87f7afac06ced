/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package task defines the data model shared by the discovery daemon, the
// task queue, the task state store, and the task pipeline: issue
// references, settings, tasks, and their history.
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type distinguishes the two kinds of work items the system enqueues.
type Type string

const (
	TypeIssue      Type = "issue"
	TypePRComment  Type = "pr-comment"
)

// Ref is the unique identity of a work item.
type Ref struct {
	RepoOwner     string
	RepoName      string
	Number        int
	Type          Type
	CorrelationID string
}

// TaskID derives the stable key used for issue jobs: "{owner}-{repo}-{number}".
func (r Ref) TaskID() string {
	return fmt.Sprintf("%s-%s-%d", r.RepoOwner, r.RepoName, r.Number)
}

// BatchTaskID derives the stable key used for PR follow-up batch jobs.
func (r Ref) BatchTaskID(window time.Time) string {
	return fmt.Sprintf("pr-comments-batch-%s-%s-%d-%d", r.RepoOwner, r.RepoName, r.Number, window.Unix())
}

// RepoConfig names a repository under consideration for polling.
type RepoConfig struct {
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// Owner and Repo split RepoConfig.Name on its single slash. Callers must
// validate Name against repoNamePattern first.
func (r RepoConfig) Owner() string { return strings.SplitN(r.Name, "/", 2)[0] }
func (r RepoConfig) Repo() string  { parts := strings.SplitN(r.Name, "/", 2); return parts[1] }

// Settings is the dynamic, hot-reloaded configuration document (spec.md §3/§4.1).
type Settings struct {
	WorkerConcurrency     int      `json:"worker_concurrency" yaml:"worker_concurrency"`
	UserWhitelist         []string `json:"github_user_whitelist" yaml:"github_user_whitelist"`
	PrimaryLabels         []string `json:"primary_processing_labels" yaml:"primary_processing_labels"`
	DoneLabelSuffix       string   `json:"done_label_suffix" yaml:"done_label_suffix"`
	ProcessingLabelSuffix string   `json:"processing_label_suffix" yaml:"processing_label_suffix"`
	PRLabel               string   `json:"pr_label" yaml:"pr_label"`
	FollowupKeywords      []string `json:"followup_keywords" yaml:"followup_keywords"`

	// AIPrimaryTag is the deprecated scalar predecessor of PrimaryLabels
	// (spec.md §9 Open Question (i)). Read-only compatibility shim: if
	// PrimaryLabels is empty and this is set, it is folded into a
	// singleton PrimaryLabels on load. Never written back.
	AIPrimaryTag string `json:"ai_primary_tag,omitempty" yaml:"ai_primary_tag,omitempty"`
}

// ProcessingLabel and DoneLabel derive the per-primary-label state labels
// (spec.md §3 Settings): "L-processing" and "L-done".
func (s Settings) ProcessingLabel(primary string) string {
	return primary + s.processingSuffix()
}

func (s Settings) DoneLabel(primary string) string {
	return primary + s.doneSuffix()
}

// FailedClaudeLabel and FailedPostProcessingLabel implement spec.md §9 Open
// Question (ii): these are prefixed with the active primary label, unlike
// the legacy source which constructed them unprefixed.
func (s Settings) FailedClaudeLabel(primary string) string {
	return primary + "-failed-claude"
}

func (s Settings) FailedPostProcessingLabel(primary string) string {
	return primary + "-failed-post-processing"
}

func (s Settings) processingSuffix() string {
	if s.ProcessingLabelSuffix == "" {
		return "-processing"
	}
	return s.ProcessingLabelSuffix
}

func (s Settings) doneSuffix() string {
	if s.DoneLabelSuffix == "" {
		return "-done"
	}
	return s.DoneLabelSuffix
}

// Validate checks the invariants from spec.md §4.1.
func (s Settings) Validate(repos []RepoConfig) error {
	if len(s.PrimaryLabels) == 0 {
		return fmt.Errorf("%w: primary_processing_labels must have at least one entry", ErrConfigInvalid)
	}
	if s.WorkerConcurrency < 1 {
		return fmt.Errorf("%w: worker_concurrency must be >= 1", ErrConfigInvalid)
	}
	if strings.TrimSpace(s.PRLabel) == "" {
		return fmt.Errorf("%w: pr_label must be non-empty", ErrConfigInvalid)
	}
	for _, r := range repos {
		if !repoNamePattern.MatchString(r.Name) {
			return fmt.Errorf("%w: repo name %q does not match owner/repo", ErrConfigInvalid, r.Name)
		}
	}
	return nil
}

// State is a step in the task lifecycle state machine (spec.md §3).
type State string

const (
	StateQueued           State = "QUEUED"
	StateProcessing       State = "PROCESSING"
	StateClaudeExecution  State = "CLAUDE_EXECUTION"
	StatePostProcessing   State = "POST_PROCESSING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateSkipped          State = "SKIPPED"
)

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Task is the authoritative record created at enqueue time (spec.md §3).
type Task struct {
	TaskID          string          `json:"task_id"`
	JobID           string          `json:"job_id"`
	CorrelationID   string          `json:"correlation_id"`
	Repository      string          `json:"repository"`
	IssueNumber     int             `json:"issue_number"`
	TaskType        Type            `json:"task_type"`
	ModelName       string          `json:"model_name,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	InitialJobData  map[string]any  `json:"initial_job_data,omitempty"`
}

// HistoryEvent is a single append-only lifecycle transition (spec.md §3).
type HistoryEvent struct {
	HistoryID int64          `json:"history_id"`
	TaskID    string         `json:"task_id"`
	State     State          `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExecutionRecord is one agent invocation attempt (spec.md §3).
type ExecutionRecord struct {
	ExecutionID string     `json:"execution_id"`
	TaskID      string     `json:"task_id"`
	HistoryID   int64      `json:"history_id,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Model       string     `json:"model"`
	Success     bool       `json:"success"`
	NumTurns    int        `json:"num_turns,omitempty"`
	CostUSD     float64    `json:"cost_usd,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// DetailEventType enumerates the kinds of live execution detail events.
type DetailEventType string

const (
	DetailThought    DetailEventType = "thought"
	DetailToolUse    DetailEventType = "tool_use"
	DetailToolResult DetailEventType = "tool_result"
)

// ExecutionDetail is one entry of an execution's ordered detail stream.
type ExecutionDetail struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	EventType   DetailEventType `json:"event_type"`
	Content     string          `json:"content,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   map[string]any  `json:"tool_input,omitempty"`
	Result      string          `json:"result,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Todo is one entry of the live-details todo list (spec.md §4.6).
type Todo struct {
	ID      string `json:"id"`
	Status  string `json:"status"` // pending | in_progress | completed
	Content string `json:"content"`
}
