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
	"github.com/integry/gitfix/clonemanager"
	"github.com/integry/gitfix/task"
	"github.com/integry/gitfix/taskqueue"
)

// pendingCheckDelay is how long a PR follow-up batch waits before retrying
// when GitHub still has checks running on the branch (spec.md §4.7
// scenario 4: don't iterate on a branch mid-CI-run).
const pendingCheckDelay = 5 * time.Minute

// handlePRFollowup implements spec.md §8 scenario 4: a PR already carries
// the bot's label, new comments matching the follow-up keywords arrived
// within the batching window, and the worker reuses the existing branch
// rather than opening a new PR.
func (w *Worker) handlePRFollowup(ctx context.Context, job taskqueue.Job) error {
	var p PRFollowupPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return taskqueue.NonRetriableError(err, "malformed pr-followup payload")
	}

	taskID := job.TaskID
	log := clog.FromContext(ctx).With("task_id", taskID, "repo", p.Owner+"/"+p.Repo, "pr", p.PRNumber)

	if err := w.Store.CreateTask(ctx, task.Task{
		TaskID: taskID, JobID: job.ID, CorrelationID: p.CorrelationID,
		Repository: p.Owner + "/" + p.Repo, IssueNumber: p.PRNumber,
		TaskType: task.TypePRComment, CreatedAt: time.Now(),
	}); err != nil {
		log.With("error", err).Warn("Failed to record task")
	}
	w.transition(ctx, taskID, task.StateProcessing, "revalidating pull request")

	status, found, err := w.GitHub.PRStatusByHead(ctx, p.Owner, p.Repo, p.Branch)
	if err != nil {
		return fmt.Errorf("checking pull request status: %w", err)
	}
	if !found {
		return w.skip(ctx, job, taskID, "pull request no longer open")
	}
	if status.Mergeable != nil && !*status.Mergeable {
		return w.skip(ctx, job, taskID, "pull request has merge conflicts")
	}
	if len(status.PendingChecks) > 0 {
		log.With("pending_checks", status.PendingChecks).Info("Checks still running, requeuing follow-up")
		return taskqueue.RequeueAfter(errors.New("checks still pending"), pendingCheckDelay)
	}

	w.milestone(ctx, job, taskID, 25, task.StateProcessing, "revalidated")

	if err := w.Clones.EnsureCloned(ctx, p.Owner, p.Repo); err != nil {
		return w.failFollowup(ctx, job, taskID, p.Owner, p.Repo, p.PRNumber, fmt.Errorf("cloning repository: %w", err))
	}
	wt, err := w.Clones.CreateWorktreeForBranch(ctx, p.Owner, p.Repo, p.Branch)
	if err != nil {
		return w.failFollowup(ctx, job, taskID, p.Owner, p.Repo, p.PRNumber, fmt.Errorf("creating worktree: %w", err))
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

	prompt, err := buildFollowupPrompt(repositoryContext{
		Owner: p.Owner, Repo: p.Repo, WorktreePath: wt.WorktreePath,
		Branch: wt.BranchName, IssueNumber: p.PRNumber,
	}, p.Comments, status.Findings)
	if err != nil {
		return w.failFollowup(ctx, job, taskID, p.Owner, p.Repo, p.PRNumber, fmt.Errorf("composing prompt: %w", err))
	}

	w.transition(ctx, taskID, task.StateClaudeExecution, "invoking agent")
	result, err := w.runAgent(ctx, taskID, wt.WorktreePath, p.Owner, p.Repo, p.PRNumber, prompt)
	if err != nil {
		return w.failFollowup(ctx, job, taskID, p.Owner, p.Repo, p.PRNumber, fmt.Errorf("agent run: %w", err))
	}
	w.transition(ctx, taskID, task.StatePostProcessing, "agent finished")
	w.milestone(ctx, job, taskID, 75, task.StatePostProcessing, "agent finished")

	files, err := w.Clones.ModifiedFiles(ctx, wt)
	if err != nil {
		return w.failFollowup(ctx, job, taskID, p.Owner, p.Repo, p.PRNumber, fmt.Errorf("listing modified files: %w", err))
	}
	if len(files) == 0 {
		if _, err := w.GitHub.CreateComment(ctx, p.Owner, p.Repo, p.PRNumber, "No code changes were needed for the requested follow-up."); err != nil {
			log.With("error", err).Warn("Failed to post no-changes comment")
		}
		success = true
		w.transition(ctx, taskID, task.StateCompleted, "no changes needed")
		w.milestone(ctx, job, taskID, 100, task.StateCompleted, "no changes needed")
		return nil
	}

	if err := w.Clones.CommitChanges(ctx, wt, result.CommitMessage, p.PRNumber, "follow-up"); err != nil && !errors.Is(err, clonemanager.ErrNoChanges) {
		return w.failFollowup(ctx, job, taskID, p.Owner, p.Repo, p.PRNumber, fmt.Errorf("committing changes: %w", err))
	}
	w.milestone(ctx, job, taskID, 80, task.StatePostProcessing, "changes committed")

	if err := w.Clones.PushBranch(ctx, wt); err != nil {
		return w.failFollowup(ctx, job, taskID, p.Owner, p.Repo, p.PRNumber, fmt.Errorf("pushing branch: %w", err))
	}
	w.milestone(ctx, job, taskID, 95, task.StatePostProcessing, "branch pushed")

	if _, err := w.GitHub.CreateComment(ctx, p.Owner, p.Repo, p.PRNumber, "Applied the requested follow-up changes."); err != nil {
		log.With("error", err).Warn("Failed to post follow-up summary comment")
	}

	success = true
	w.transition(ctx, taskID, task.StateCompleted, "follow-up applied")
	w.milestone(ctx, job, taskID, 100, task.StateCompleted, "follow-up applied")
	return nil
}

func (w *Worker) failFollowup(ctx context.Context, job taskqueue.Job, taskID, owner, repo string, prNumber int, cause error) error {
	log := clog.FromContext(ctx).With("task_id", taskID)
	if _, err := w.GitHub.CreateComment(ctx, owner, repo, prNumber, failureSummary(cause)); err != nil {
		log.With("error", err).Warn("Failed to post failure comment")
	}
	w.transition(ctx, taskID, task.StateFailed, cause.Error())
	if err := w.Queue.UpdateProgress(ctx, job.ID, 100); err != nil {
		log.With("error", err).Warn("Failed to update job progress")
	}
	return taskqueue.NonRetriableError(cause, "pr follow-up failed")
}
