/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/integry/gitfix/clonemanager"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/task"
)

// ensurePRCreated opens the pull request for a pushed branch and confirms
// it actually exists before the task is reported complete. GitHub
// occasionally accepts a create-PR request but returns a transport error
// before the response body is read, or is briefly inconsistent about a
// just-pushed branch; so on a failed create it looks for an open PR on the
// head branch (probeExistingPR), then confirms the branch exists on the
// remote, before falling back to a single emergency agent invocation asked
// to create the PR and nothing else (spec.md §4.7 PR validation).
func (w *Worker) ensurePRCreated(ctx context.Context, wt *clonemanager.Worktree, owner, repo string, issueNumber int, title, issueURL, baseBranch string) (githubclient.CreatedPR, error) {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo, "branch", wt.BranchName)

	prTitle := fmt.Sprintf("Fix #%d: %s", issueNumber, title)
	prBody := fmt.Sprintf("Resolves %s.\n\nOpened automatically.", issueURL)

	pr, createErr := w.GitHub.CreatePR(ctx, owner, repo, wt.BranchName, baseBranch, prTitle, prBody)
	if createErr == nil {
		return pr, nil
	}
	log.With("error", createErr).Warn("CreatePR failed, probing for an existing pull request")

	if found, ok := w.probeExistingPR(ctx, owner, repo, wt.BranchName); ok {
		return found, nil
	}

	if _, err := w.GitHub.GetBranch(ctx, owner, repo, wt.BranchName); err != nil {
		// The push itself did not land; no PR can exist yet, and asking the
		// agent to create one would only fail the same way.
		return githubclient.CreatedPR{}, fmt.Errorf("branch %s not found on remote after push: %w", wt.BranchName, err)
	}

	log.Warn("Branch exists but no pull request found, running emergency PR-only agent recovery")
	prompt, err := buildEmergencyPRPrompt(repositoryContext{
		Owner: owner, Repo: repo, WorktreePath: wt.WorktreePath,
		Branch: wt.BranchName, BaseBranch: baseBranch, IssueNumber: issueNumber,
	})
	if err != nil {
		return githubclient.CreatedPR{}, fmt.Errorf("composing emergency PR prompt: %w", err)
	}

	taskID := task.Ref{RepoOwner: owner, RepoName: repo, Number: issueNumber, Type: task.TypeIssue}.TaskID()
	if _, err := w.runAgent(ctx, taskID, wt.WorktreePath, owner, repo, issueNumber, prompt); err != nil {
		return githubclient.CreatedPR{}, fmt.Errorf("%w (original error: %v)", err, createErr)
	}

	if found, ok := w.probeExistingPR(ctx, owner, repo, wt.BranchName); ok {
		return found, nil
	}
	return githubclient.CreatedPR{}, fmt.Errorf("%w: no pull request found for %s after emergency recovery", task.ErrValidationFailed, wt.BranchName)
}

// probeExistingPR looks for an open PR whose head is branch and returns
// the first one found. GetPR by number is skipped here because a failed
// CreatePR call carries no reliable PR number to re-fetch.
func (w *Worker) probeExistingPR(ctx context.Context, owner, repo, branch string) (githubclient.CreatedPR, bool) {
	prs, err := w.GitHub.ListOpenPRsByHead(ctx, owner, repo, owner, branch)
	if err != nil {
		clog.FromContext(ctx).With("error", err).Warn("ListOpenPRsByHead failed during PR validation")
		return githubclient.CreatedPR{}, false
	}
	if len(prs) == 0 {
		return githubclient.CreatedPR{}, false
	}
	return prs[0], true
}
