/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/integry/gitfix/task"
)

// Worktree is the ephemeral filesystem artifact created for a single
// task (spec.md §3 Worktree).
type Worktree struct {
	LocalRepoPath string
	WorktreePath  string
	BranchName    string
	BaseBranch    string
	Owner, Repo   string
}

// CreateWorktree cuts a new worktree on a freshly named branch off
// baseBranch, retrying the branch name on a remote collision (spec.md
// §4.3 createWorktree()).
func (m *Manager) CreateWorktree(ctx context.Context, owner, repo string, issueNumber int, title string, baseBranch, modelSlug string) (*Worktree, error) {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo, "issue", issueNumber)
	localRepo := m.localPath(owner, repo)

	var branchName string
	for attempt := 0; attempt < 5; attempt++ {
		name, err := task.BranchName(issueNumber, title, time.Now(), modelSlug)
		if err != nil {
			return nil, fmt.Errorf("generating branch name: %w", err)
		}
		if _, err := runGit(ctx, localRepo, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+name); err != nil {
			branchName = name
			break
		}
		log.With("branch", name).Debug("Branch name collides on remote, retrying")
	}
	if branchName == "" {
		return nil, fmt.Errorf("could not generate a non-colliding branch name after 5 attempts")
	}

	worktreePath := filepath.Join(m.worktreeBase, owner, repo, fmt.Sprintf("issue-%d-%s", issueNumber, time.Now().UTC().Format("20060102T150405Z")))

	if _, err := runGit(ctx, localRepo, "worktree", "prune"); err != nil {
		log.With("error", err).Warn("worktree prune failed, continuing")
	}

	// If a stale worktree/branch of the same name exists (retried task),
	// tear it down first.
	if out, err := runGit(ctx, localRepo, "worktree", "list", "--porcelain"); err == nil {
		if wtPath := findWorktreeForBranch(out, branchName); wtPath != "" {
			_, _ = runGit(ctx, localRepo, "worktree", "remove", "--force", wtPath)
		}
	}
	_, _ = runGit(ctx, localRepo, "branch", "-D", branchName)

	if _, err := runGit(ctx, localRepo, "worktree", "add", "-b", branchName, worktreePath, "origin/"+baseBranch); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	return &Worktree{
		LocalRepoPath: localRepo,
		WorktreePath:  worktreePath,
		BranchName:    branchName,
		BaseBranch:    baseBranch,
		Owner:         owner,
		Repo:          repo,
	}, nil
}

// CreateWorktreeForBranch cuts a worktree checking out an existing remote
// branch rather than minting a new one -- used for PR follow-up batches
// (spec.md §4.7 scenario 4: "Worker reuses PR branch via a worktree from
// existing branch"), grounded on the teacher's clonemanager.Lease.LeaseRef,
// which checks out a known ref instead of creating one.
func (m *Manager) CreateWorktreeForBranch(ctx context.Context, owner, repo, branch string) (*Worktree, error) {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo, "branch", branch)
	localRepo := m.localPath(owner, repo)

	if _, err := runGit(ctx, localRepo, "fetch", "origin", branch); err != nil {
		return nil, fmt.Errorf("fetching branch %s: %w", branch, err)
	}

	if _, err := runGit(ctx, localRepo, "worktree", "prune"); err != nil {
		log.With("error", err).Warn("worktree prune failed, continuing")
	}
	if out, err := runGit(ctx, localRepo, "worktree", "list", "--porcelain"); err == nil {
		if wtPath := findWorktreeForBranch(out, branch); wtPath != "" {
			_, _ = runGit(ctx, localRepo, "worktree", "remove", "--force", wtPath)
		}
	}

	worktreePath := filepath.Join(m.worktreeBase, owner, repo, fmt.Sprintf("pr-%s-%s", task.Slug(branch, 40), time.Now().UTC().Format("20060102T150405Z")))
	if _, err := runGit(ctx, localRepo, "worktree", "add", "-B", branch, worktreePath, "origin/"+branch); err != nil {
		return nil, fmt.Errorf("creating worktree for branch %s: %w", branch, err)
	}

	return &Worktree{
		LocalRepoPath: localRepo,
		WorktreePath:  worktreePath,
		BranchName:    branch,
		Owner:         owner,
		Repo:          repo,
	}, nil
}

func findWorktreeForBranch(porcelain, branch string) string {
	ref := "refs/heads/" + branch
	var currentPath string
	for _, line := range strings.Split(porcelain, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch ") && strings.TrimPrefix(line, "branch ") == ref:
			return currentPath
		}
	}
	return ""
}

// ErrNoChanges is returned by CommitChanges when the worktree has no
// staged diff (spec.md §4.3 commitChanges()).
var ErrNoChanges = task.ErrNoChanges

// CommitChanges stages all changes and commits them under the bot
// identity. If agentMessage is empty, a templated message is used.
func (m *Manager) CommitChanges(ctx context.Context, wt *Worktree, agentMessage string, issueNumber int, title string) error {
	if _, err := runGit(ctx, wt.WorktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}

	status, err := runGit(ctx, wt.WorktreePath, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("checking status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return ErrNoChanges
	}

	msg := agentMessage
	if msg == "" {
		msg = fmt.Sprintf("Fix #%d: %s", issueNumber, title)
	}

	env := []string{
		"GIT_AUTHOR_NAME=" + m.bot.Name, "GIT_AUTHOR_EMAIL=" + m.bot.Email,
		"GIT_COMMITTER_NAME=" + m.bot.Name, "GIT_COMMITTER_EMAIL=" + m.bot.Email,
	}
	if _, err := runGitEnv(ctx, wt.WorktreePath, env, "commit", "-m", msg); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// ModifiedFiles returns the set of files the agent touched in the
// worktree's uncommitted working tree, via `git status --porcelain`
// (spec.md §4.8 modifiedFiles[]). Called right after the agent exits and
// before any commit exists, so this must read working-tree state rather
// than diff prior history.
func (m *Manager) ModifiedFiles(ctx context.Context, wt *Worktree) ([]string, error) {
	out, err := runGit(ctx, wt.WorktreePath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing modified files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		// Porcelain format is "XY path" (and "XY orig -> path" for
		// renames); the path starts after the two status chars + space.
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if arrow := strings.Index(path, " -> "); arrow != -1 {
			path = path[arrow+4:]
		}
		files = append(files, path)
	}
	return files, nil
}

// PushBranch pushes the worktree's branch to origin, retrying only on
// transient network errors (spec.md §4.3 pushBranch()).
func (m *Manager) PushBranch(ctx context.Context, wt *Worktree) error {
	remote, err := m.authenticatedRemoteURL(ctx, wt.Owner, wt.Repo)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, err := runGit(ctx, wt.WorktreePath, "push", remote, wt.BranchName, "--set-upstream")
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientGitError(err) {
			return fmt.Errorf("pushing branch %s: %w", wt.BranchName, err)
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	return fmt.Errorf("pushing branch %s after retries: %w", wt.BranchName, lastErr)
}

func isTransientGitError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"timeout", "connection reset", "temporary failure", "could not resolve host", "tls handshake"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// CleanupOptions configures Cleanup's retention behavior.
type CleanupOptions struct {
	DeleteBranch      bool
	Success           bool
	RetentionStrategy RetentionStrategy
	RetentionHours    int
}

// retentionInfo is persisted as .retention-info.json when a worktree is
// retained rather than removed immediately.
type retentionInfo struct {
	WorktreePath     string    `json:"worktreePath"`
	LocalRepoPath    string    `json:"localRepoPath"`
	BranchName       string    `json:"branchName"`
	DeleteBranch     bool      `json:"deleteBranch"`
	ScheduledCleanup time.Time `json:"scheduledCleanup"`
}

// Cleanup tears down a worktree according to opts' retention strategy
// (spec.md §4.3 cleanup()).
func (m *Manager) Cleanup(ctx context.Context, wt *Worktree, opts CleanupOptions) error {
	log := clog.FromContext(ctx).With("worktree", wt.WorktreePath)

	retain := opts.RetentionStrategy == RetentionKeepForHours ||
		(opts.RetentionStrategy == RetentionKeepOnFailure && !opts.Success)

	if retain {
		info := retentionInfo{
			WorktreePath:  wt.WorktreePath,
			LocalRepoPath: wt.LocalRepoPath,
			BranchName:    wt.BranchName,
			DeleteBranch:  opts.DeleteBranch,
		}
		hours := opts.RetentionHours
		if hours <= 0 {
			hours = 24
		}
		info.ScheduledCleanup = time.Now().Add(time.Duration(hours) * time.Hour)
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling retention info: %w", err)
		}
		path := filepath.Join(wt.WorktreePath, ".retention-info.json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing retention info: %w", err)
		}
		log.With("scheduled_cleanup", info.ScheduledCleanup).Info("Retaining worktree past task completion")
		return nil
	}

	return m.removeWorktree(ctx, wt, opts.DeleteBranch)
}

func (m *Manager) removeWorktree(ctx context.Context, wt *Worktree, deleteBranch bool) error {
	log := clog.FromContext(ctx).With("worktree", wt.WorktreePath)

	if _, err := runGit(ctx, wt.LocalRepoPath, "worktree", "remove", "--force", wt.WorktreePath); err != nil {
		log.With("error", err).Warn("worktree remove failed, falling back to rm -rf")
		if err := os.RemoveAll(wt.WorktreePath); err != nil {
			return fmt.Errorf("removing worktree directory: %w", err)
		}
	}

	if deleteBranch {
		if _, err := runGit(ctx, wt.LocalRepoPath, "branch", "-D", wt.BranchName); err != nil {
			log.With("error", err).Warn("branch delete failed")
		}
	}

	if _, err := runGit(ctx, wt.LocalRepoPath, "worktree", "prune"); err != nil {
		log.With("error", err).Warn("worktree prune failed")
	}
	return nil
}

// CleanupExpired sweeps base for retained worktrees whose scheduled
// cleanup has passed, plus an age-based fallback at maxAge (spec.md §4.3
// cleanupExpired(), default 72h).
func (m *Manager) CleanupExpired(ctx context.Context, base string, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultWorktreeMaxAge
	}
	log := clog.FromContext(ctx)

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading worktree base %s: %w", base, err)
	}

	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		infoPath := filepath.Join(dir, ".retention-info.json")

		if data, err := os.ReadFile(infoPath); err == nil {
			var info retentionInfo
			if err := json.Unmarshal(data, &info); err == nil && now.After(info.ScheduledCleanup) {
				log.With("worktree", dir).Info("Removing expired retained worktree")
				wt := &Worktree{LocalRepoPath: info.LocalRepoPath, WorktreePath: dir, BranchName: info.BranchName}
				if err := m.removeWorktree(ctx, wt, info.DeleteBranch); err != nil {
					log.With("error", err).Warn("Failed removing expired worktree")
				}
			}
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > maxAge {
			log.With("worktree", dir, "age", now.Sub(fi.ModTime())).Info("Removing aged-out worktree")
			if err := os.RemoveAll(dir); err != nil {
				log.With("error", err).Warn("Failed removing aged-out worktree")
			}
		}
	}
	return nil
}

func runGitEnv(ctx context.Context, dir string, extraEnv []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return string(out), nil
}
