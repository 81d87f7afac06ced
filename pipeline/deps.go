/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package pipeline implements the Task Pipeline/Worker (spec.md C7): the
// per-job state machine that revalidates an issue or PR-comment batch,
// drives the agent adapter, and lands the result back on GitHub. Its
// control flow -- revalidate, acquire a worktree, run the agent, commit
// and push, validate the resulting PR with a bounded recovery retry -- is
// grounded on the teacher's reconcilers/githubreconciler/metareconciler
// reconcileIssue/reconcilePR functions and changemanager.Session.Upsert,
// retargeted from a continuous reconcile loop onto a queue-dispatched
// worker.
package pipeline

import (
	"context"
	"time"

	"github.com/integry/gitfix/agentadapter"
	"github.com/integry/gitfix/clonemanager"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/task"
	"github.com/integry/gitfix/taskstore"
)

// GithubClient is the subset of githubclient.Gateway the pipeline needs.
// Narrowed to an interface so tests can substitute a fake.
type GithubClient interface {
	GetIssue(ctx context.Context, ref task.Ref) (githubclient.Issue, error)
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)
	CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (githubclient.CreatedPR, error)
	ListOpenPRsByHead(ctx context.Context, owner, repo, headOwner, branch string) ([]githubclient.CreatedPR, error)
	GetBranch(ctx context.Context, owner, repo, name string) (string, error)
	GetPR(ctx context.Context, ref task.Ref) (githubclient.PullRequest, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	InstallationToken(ctx context.Context) (string, time.Time, error)
	PRStatusByHead(ctx context.Context, owner, repo, branch string) (*githubclient.PRStatus, bool, error)
}

// CloneManager is the subset of clonemanager.Manager the pipeline needs.
type CloneManager interface {
	EnsureCloned(ctx context.Context, owner, repo string) error
	DefaultBranch(ctx context.Context, owner, repo string, api clonemanager.DefaultBranchResolver) (string, error)
	CreateWorktree(ctx context.Context, owner, repo string, issueNumber int, title, baseBranch, modelSlug string) (*clonemanager.Worktree, error)
	CreateWorktreeForBranch(ctx context.Context, owner, repo, branch string) (*clonemanager.Worktree, error)
	CommitChanges(ctx context.Context, wt *clonemanager.Worktree, agentMessage string, issueNumber int, title string) error
	ModifiedFiles(ctx context.Context, wt *clonemanager.Worktree) ([]string, error)
	PushBranch(ctx context.Context, wt *clonemanager.Worktree) error
	Cleanup(ctx context.Context, wt *clonemanager.Worktree, opts clonemanager.CleanupOptions) error
}

// AgentRunner is the subset of agentadapter.Adapter the pipeline needs.
type AgentRunner interface {
	Run(ctx context.Context, inv agentadapter.Invocation, sink agentadapter.DetailSink) (agentadapter.Result, error)
}

// TaskStore is the subset of taskstore.Store the pipeline needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t task.Task) error
	AppendEvent(ctx context.Context, ev task.HistoryEvent) error
	RecordExecutionStart(ctx context.Context, rec task.ExecutionRecord) error
	RecordExecutionEnd(ctx context.Context, rec task.ExecutionRecord) error
	AppendExecutionDetail(ctx context.Context, d task.ExecutionDetail) error
	SetLiveSnapshot(ctx context.Context, snap taskstore.LiveSnapshot) error
}

// ProgressReporter is the subset of taskqueue.Store the pipeline needs to
// report job progress (spec.md §4.4 updateProgress()).
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, jobID string, pct int) error
}
