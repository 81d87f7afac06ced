/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/integry/gitfix/agentadapter"
	"github.com/integry/gitfix/clonemanager"
	"github.com/integry/gitfix/config"
	"github.com/integry/gitfix/task"
	"github.com/integry/gitfix/taskqueue"
	"github.com/integry/gitfix/taskstore"
)

// DefaultAgentDeadline bounds a single agent invocation's wall clock
// (spec.md §4.7/§5).
const DefaultAgentDeadline = 30 * time.Minute

// Worker runs the per-job state machine described by spec.md §4.7/§4.8:
// QUEUED -> PROCESSING -> CLAUDE_EXECUTION -> POST_PROCESSING ->
// {COMPLETED|FAILED|SKIPPED}.
type Worker struct {
	GitHub GithubClient
	Clones CloneManager
	Agent  AgentRunner
	Store  TaskStore
	Queue  ProgressReporter
	Config *config.Loader

	AgentCommand string
	AgentArgs    []string
	AgentDeadline time.Duration
	AgentIdleTimeout time.Duration

	// Retention configuration is process-level per spec.md §6, not part of
	// the hot-reloaded config.Snapshot: it is read once at startup and held
	// here for the worktree's entire lifetime.
	RetentionStrategy clonemanager.RetentionStrategy
	RetentionHours    int
}

// Handle implements taskqueue.Handler, dispatching on the job's "kind"
// field to the issue or PR-follow-up state machine.
func (w *Worker) Handle(ctx context.Context, job taskqueue.Job) error {
	switch payloadKind(job.Payload) {
	case KindPRFollowup:
		return w.handlePRFollowup(ctx, job)
	default:
		return w.handleIssue(ctx, job)
	}
}

func (w *Worker) handleIssue(ctx context.Context, job taskqueue.Job) error {
	var p IssuePayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return taskqueue.NonRetriableError(err, "malformed issue payload")
	}

	ref := task.Ref{RepoOwner: p.Owner, RepoName: p.Repo, Number: p.Number, Type: task.TypeIssue, CorrelationID: p.CorrelationID}
	taskID := ref.TaskID()
	log := clog.FromContext(ctx).With("task_id", taskID, "repo", p.Owner+"/"+p.Repo, "issue", p.Number)

	snap := w.Config.LoadAll()
	settings := snap.Settings

	if err := w.Store.CreateTask(ctx, task.Task{
		TaskID: taskID, JobID: job.ID, CorrelationID: p.CorrelationID,
		Repository: p.Owner + "/" + p.Repo, IssueNumber: p.Number,
		TaskType: task.TypeIssue, CreatedAt: time.Now(),
	}); err != nil {
		log.With("error", err).Warn("Failed to record task")
	}
	w.transition(ctx, taskID, task.StateProcessing, "revalidating issue")

	issue, err := w.GitHub.GetIssue(ctx, ref)
	if err != nil {
		return fmt.Errorf("fetching issue: %w", err)
	}

	if !hasLabel(issue.Labels, p.PrimaryLabel) {
		return w.skip(ctx, job, taskID, "primary tag missing")
	}
	if hasLabel(issue.Labels, settings.DoneLabel(p.PrimaryLabel)) {
		return w.skip(ctx, job, taskID, "already done")
	}

	processingLabel := settings.ProcessingLabel(p.PrimaryLabel)
	if err := w.GitHub.AddLabel(ctx, p.Owner, p.Repo, p.Number, processingLabel); err != nil {
		return fmt.Errorf("adding processing label: %w", err)
	}
	if _, err := w.GitHub.CreateComment(ctx, p.Owner, p.Repo, p.Number, "An automated fix attempt has started for this issue."); err != nil {
		log.With("error", err).Warn("Failed to post started comment")
	}
	w.milestone(ctx, job, taskID, 25, task.StateProcessing, "revalidated, processing label applied")

	if err := w.Clones.EnsureCloned(ctx, p.Owner, p.Repo); err != nil {
		return w.failClaude(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("cloning repository: %w", err))
	}
	baseBranch, err := w.Clones.DefaultBranch(ctx, p.Owner, p.Repo, defaultBranchResolver{w.GitHub})
	if err != nil {
		return w.failClaude(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("resolving default branch: %w", err))
	}

	wt, err := w.Clones.CreateWorktree(ctx, p.Owner, p.Repo, p.Number, issue.Title, baseBranch, "")
	if err != nil {
		return w.failClaude(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("creating worktree: %w", err))
	}

	success := false
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if err := w.Clones.Cleanup(cleanupCtx, wt, clonemanager.CleanupOptions{
			DeleteBranch:      false,
			Success:           success,
			RetentionStrategy: w.RetentionStrategy,
			RetentionHours:    w.RetentionHours,
		}); err != nil {
			log.With("error", err).Warn("Worktree cleanup failed")
		}
	}()

	w.milestone(ctx, job, taskID, 50, task.StateProcessing, "worktree ready")

	prompt, err := buildFreshIssuePrompt(repositoryContext{
		Owner: p.Owner, Repo: p.Repo, WorktreePath: wt.WorktreePath,
		Branch: wt.BranchName, BaseBranch: baseBranch, IssueNumber: p.Number,
		Title: issue.Title, URL: issue.HTMLURL, Body: issue.Body,
	})
	if err != nil {
		return w.failClaude(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("composing prompt: %w", err))
	}

	w.transition(ctx, taskID, task.StateClaudeExecution, "invoking agent")
	result, err := w.runAgent(ctx, taskID, wt.WorktreePath, p.Owner, p.Repo, p.Number, prompt)
	if err != nil {
		return w.failClaude(ctx, job, taskID, p, processingLabel, settings, err)
	}

	w.transition(ctx, taskID, task.StatePostProcessing, "agent finished")
	w.milestone(ctx, job, taskID, 75, task.StatePostProcessing, "agent finished")

	files, err := w.Clones.ModifiedFiles(ctx, wt)
	if err != nil {
		return w.failPostProcessing(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("listing modified files: %w", err))
	}

	if len(files) == 0 {
		if err := w.GitHub.AddLabel(ctx, p.Owner, p.Repo, p.Number, settings.DoneLabel(p.PrimaryLabel)); err != nil {
			log.With("error", err).Warn("Failed to add done label")
		}
		if err := w.GitHub.RemoveLabel(ctx, p.Owner, p.Repo, p.Number, processingLabel); err != nil {
			log.With("error", err).Warn("Failed to remove processing label")
		}
		if _, err := w.GitHub.CreateComment(ctx, p.Owner, p.Repo, p.Number, "No code changes were needed to resolve this issue."); err != nil {
			log.With("error", err).Warn("Failed to post no-changes comment")
		}
		success = true
		w.transition(ctx, taskID, task.StateCompleted, "no changes needed")
		w.milestone(ctx, job, taskID, 100, task.StateCompleted, "no changes needed")
		return nil
	}

	if err := w.Clones.CommitChanges(ctx, wt, result.CommitMessage, p.Number, issue.Title); err != nil && !errors.Is(err, clonemanager.ErrNoChanges) {
		return w.failPostProcessing(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("committing changes: %w", err))
	}
	w.milestone(ctx, job, taskID, 80, task.StatePostProcessing, "changes committed")

	if err := w.Clones.PushBranch(ctx, wt); err != nil {
		return w.failPostProcessing(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("pushing branch: %w", err))
	}
	w.milestone(ctx, job, taskID, 95, task.StatePostProcessing, "branch pushed")

	pr, err := w.ensurePRCreated(ctx, wt, p.Owner, p.Repo, p.Number, issue.Title, issue.HTMLURL, baseBranch)
	if err != nil {
		return w.failPostProcessing(ctx, job, taskID, p, processingLabel, settings, fmt.Errorf("validating pull request: %w", err))
	}

	if err := w.GitHub.AddLabel(ctx, p.Owner, p.Repo, p.Number, settings.DoneLabel(p.PrimaryLabel)); err != nil {
		log.With("error", err).Warn("Failed to add done label")
	}
	if err := w.GitHub.RemoveLabel(ctx, p.Owner, p.Repo, p.Number, processingLabel); err != nil {
		log.With("error", err).Warn("Failed to remove processing label")
	}
	if settings.PRLabel != "" {
		if err := w.GitHub.AddLabel(ctx, p.Owner, p.Repo, pr.Number, settings.PRLabel); err != nil {
			log.With("error", err).Warn("Failed to label pull request")
		}
	}
	if _, err := w.GitHub.CreateComment(ctx, p.Owner, p.Repo, p.Number, fmt.Sprintf("Opened %s", pr.HTMLURL)); err != nil {
		log.With("error", err).Warn("Failed to post completion comment")
	}

	success = true
	w.transition(ctx, taskID, task.StateCompleted, fmt.Sprintf("opened %s", pr.HTMLURL))
	w.milestone(ctx, job, taskID, 100, task.StateCompleted, "pull request opened")
	return nil
}

// runAgent drives a single agent invocation, wiring its live detail stream
// into the task store (spec.md §4.6 live-details contract).
func (w *Worker) runAgent(ctx context.Context, taskID, workDir, owner, repo string, issueNumber int, prompt string) (agentadapter.Result, error) {
	executionID := fmt.Sprintf("%s-%d-%d", taskID, issueNumber, time.Now().UnixNano())
	token, _, err := w.GitHub.InstallationToken(ctx)
	if err != nil {
		return agentadapter.Result{}, fmt.Errorf("fetching installation token: %w", err)
	}

	deadline := w.AgentDeadline
	if deadline <= 0 {
		deadline = DefaultAgentDeadline
	}

	start := task.ExecutionRecord{ExecutionID: executionID, TaskID: taskID, StartTime: time.Now()}
	if err := w.Store.RecordExecutionStart(ctx, start); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to record execution start")
	}

	var todos []task.Todo
	sink := func(d task.ExecutionDetail) {
		if err := w.Store.AppendExecutionDetail(ctx, d); err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Failed to append execution detail")
		}
		_ = w.Store.SetLiveSnapshot(ctx, taskstore.LiveSnapshot{TaskID: taskID, State: task.StateClaudeExecution, Todos: todos})
	}

	result, err := w.Agent.Run(ctx, agentadapter.Invocation{
		Command: w.AgentCommand, Args: w.AgentArgs, WorkDir: workDir, Prompt: prompt,
		GitHubToken: token, RepoOwner: owner, RepoName: repo, IssueNumber: issueNumber,
		Deadline: deadline, IdleTimeout: w.AgentIdleTimeout,
	}, sink)

	end := task.ExecutionRecord{
		ExecutionID: executionID, TaskID: taskID, StartTime: start.StartTime,
		Success: result.Success, NumTurns: result.NumTurns, CostUSD: result.CostUSD,
	}
	now := time.Now()
	end.EndTime = &now
	end.DurationMs = now.Sub(start.StartTime).Milliseconds()
	if err != nil {
		end.Error = err.Error()
	}
	if rerr := w.Store.RecordExecutionEnd(ctx, end); rerr != nil {
		clog.FromContext(ctx).With("error", rerr).Warn("Failed to record execution end")
	}

	return result, err
}

func (w *Worker) transition(ctx context.Context, taskID string, state task.State, reason string) {
	if err := w.Store.AppendEvent(ctx, task.HistoryEvent{TaskID: taskID, State: state, Timestamp: time.Now(), Reason: reason}); err != nil {
		clog.FromContext(ctx).With("error", err, "task_id", taskID).Warn("Failed to append history event")
	}
}

func (w *Worker) milestone(ctx context.Context, job taskqueue.Job, taskID string, pct int, state task.State, reason string) {
	if err := w.Queue.UpdateProgress(ctx, job.ID, pct); err != nil {
		clog.FromContext(ctx).With("error", err, "task_id", taskID).Warn("Failed to update job progress")
	}
	w.transition(ctx, taskID, state, reason)
}

func (w *Worker) skip(ctx context.Context, job taskqueue.Job, taskID, reason string) error {
	w.transition(ctx, taskID, task.StateSkipped, reason)
	if err := w.Queue.UpdateProgress(ctx, job.ID, 100); err != nil {
		clog.FromContext(ctx).With("error", err, "task_id", taskID).Warn("Failed to update job progress")
	}
	return nil
}

func (w *Worker) failClaude(ctx context.Context, job taskqueue.Job, taskID string, p IssuePayload, processingLabel string, settings task.Settings, cause error) error {
	return w.fail(ctx, job, taskID, p.Owner, p.Repo, p.Number, processingLabel, settings.FailedClaudeLabel(p.PrimaryLabel), cause)
}

func (w *Worker) failPostProcessing(ctx context.Context, job taskqueue.Job, taskID string, p IssuePayload, processingLabel string, settings task.Settings, cause error) error {
	return w.fail(ctx, job, taskID, p.Owner, p.Repo, p.Number, processingLabel, settings.FailedPostProcessingLabel(p.PrimaryLabel), cause)
}

func (w *Worker) fail(ctx context.Context, job taskqueue.Job, taskID, owner, repo string, number int, processingLabel, failureLabel string, cause error) error {
	log := clog.FromContext(ctx).With("task_id", taskID)
	if _, err := w.GitHub.CreateComment(ctx, owner, repo, number, failureSummary(cause)); err != nil {
		log.With("error", err).Warn("Failed to post failure comment")
	}
	if err := w.GitHub.AddLabel(ctx, owner, repo, number, failureLabel); err != nil {
		log.With("error", err).Warn("Failed to add failure label")
	}
	if err := w.GitHub.RemoveLabel(ctx, owner, repo, number, processingLabel); err != nil {
		log.With("error", err).Warn("Failed to remove processing label")
	}
	w.transition(ctx, taskID, task.StateFailed, cause.Error())
	if err := w.Queue.UpdateProgress(ctx, job.ID, 100); err != nil {
		log.With("error", err).Warn("Failed to update job progress")
	}
	// Retrying would re-run the agent against an already-labeled,
	// already-commented issue; the failure is recorded, so treat it as
	// terminal rather than letting the dispatcher retry with backoff.
	return taskqueue.NonRetriableError(cause, "task failed")
}

// failureSummary renders a short structured comment body for a terminal
// failure (spec.md §7), classifying the cause against task's sentinel
// errors so the reader sees what kind of failure this was, not just a
// raw Go error string.
func failureSummary(cause error) string {
	kind := "an unexpected error"
	switch {
	case errors.Is(cause, task.ErrTimedOut):
		kind = "a timeout"
	case errors.Is(cause, task.ErrAgentCrashed):
		kind = "the agent crashing"
	case errors.Is(cause, task.ErrAgentStalled):
		kind = "the agent stalling"
	case errors.Is(cause, task.ErrValidationFailed):
		kind = "pull request validation failing"
	case errors.Is(cause, task.ErrAuthFailure):
		kind = "a GitHub authentication failure"
	case errors.Is(cause, task.ErrRateLimited):
		kind = "GitHub rate limiting"
	}
	return fmt.Sprintf("Automated fix attempt failed due to %s:\n\n```\n%s\n```", kind, cause.Error())
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

type defaultBranchResolver struct {
	gh GithubClient
}

func (d defaultBranchResolver) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return d.gh.DefaultBranch(ctx, owner, repo)
}
