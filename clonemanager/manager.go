/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package clonemanager implements the Repo & Worktree Manager (spec.md C3):
// it maintains one full (non-bare) clone per repository, shared by every
// task on that repository, detects the default branch through a fallback
// chain, and creates/destroys per-issue worktrees on dedicated branches.
// Clone/fetch and the oauth2-token BasicAuth are adapted from the teacher's
// reconcilers/githubreconciler/clonemanager.Manager; no pool of clones is
// kept and clones are made in place, not in temp dirs. Because
// go-git has no equivalent of `git worktree add` against a shared bare
// clone, worktree lifecycle operations shell out to the git CLI directly,
// following the os/exec git-subcommand pattern shown in the retrieval
// pack's standalone agentium controller reference.
package clonemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

// RetentionStrategy governs what happens to a worktree after a task
// reaches a terminal state (spec.md §4.3 cleanup()).
type RetentionStrategy string

const (
	RetentionAlwaysDelete  RetentionStrategy = "always_delete"
	RetentionKeepOnFailure RetentionStrategy = "keep_on_failure"
	RetentionKeepForHours  RetentionStrategy = "keep_for_hours"
)

// DefaultWorktreeMaxAge is the age-based cleanup fallback (spec.md §4.3).
const DefaultWorktreeMaxAge = 72 * time.Hour

// BotIdentity is the fixed commit author used for agent-authored commits
// (spec.md §4.3 commitChanges()).
type BotIdentity struct {
	Name  string
	Email string
}

// Manager owns one clone per repository and the worktrees cut from
// them.
type Manager struct {
	tokenSource oauth2.TokenSource
	bot         BotIdentity
	reposBase   string // directory holding one clone per owner/repo
	worktreeBase string

	mu                  sync.Mutex
	defaultBranchCache  map[string]string // "owner/repo" -> branch, per-process cache (spec.md §9)
	defaultBranchOverride map[string]string
}

// New constructs a Manager rooted at reposBase (per-repo clones) and
// worktreeBase (per-issue worktrees).
func New(tokenSource oauth2.TokenSource, bot BotIdentity, reposBase, worktreeBase string) (*Manager, error) {
	if tokenSource == nil {
		return nil, errors.New("token source cannot be nil")
	}
	if err := os.MkdirAll(reposBase, 0o755); err != nil {
		return nil, fmt.Errorf("creating repos base dir: %w", err)
	}
	if err := os.MkdirAll(worktreeBase, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree base dir: %w", err)
	}
	return &Manager{
		tokenSource:        tokenSource,
		bot:                bot,
		reposBase:          reposBase,
		worktreeBase:       worktreeBase,
		defaultBranchCache: make(map[string]string),
		defaultBranchOverride: make(map[string]string),
	}, nil
}

// SetDefaultBranchOverride installs an explicit per-repo override (strategy
// (1) of spec.md §4.3's default-branch detection chain).
func (m *Manager) SetDefaultBranchOverride(owner, repo, branch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultBranchOverride[owner+"/"+repo] = branch
}

func (m *Manager) localPath(owner, repo string) string {
	return filepath.Join(m.reposBase, owner, repo)
}

// remoteURLFunc resolves a repository's clone URL. Tests override this to
// point at a local filesystem path instead of github.com.
var remoteURLFunc = func(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s", owner, repo)
}

func (m *Manager) remoteURL(owner, repo string) string {
	return remoteURLFunc(owner, repo)
}

func (m *Manager) auth() (*githttp.BasicAuth, error) {
	token, err := m.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: token.AccessToken}, nil
}

// EnsureCloned clones owner/repo if absent, or fetches updates if present.
// A corrupted local clone (PlainOpen fails) is wiped and re-cloned
// (spec.md §4.3 ensureCloned()).
func (m *Manager) EnsureCloned(ctx context.Context, owner, repo string) error {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo)
	path := m.localPath(owner, repo)
	auth, err := m.auth()
	if err != nil {
		return err
	}

	r, err := git.PlainOpen(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.With("error", err).Warn("Local clone is corrupted, re-cloning")
			if rerr := os.RemoveAll(path); rerr != nil {
				return fmt.Errorf("removing corrupted clone: %w", rerr)
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating parent dir: %w", err)
		}
		log.Info("Cloning repository")
		_, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:  m.remoteURL(owner, repo),
			Auth: auth,
		})
		if err != nil {
			return fmt.Errorf("cloning %s/%s: %w", owner, repo, err)
		}
		return nil
	}

	log.Debug("Fetching updates")
	err = r.FetchContext(ctx, &git.FetchOptions{Auth: auth, Prune: true, Tags: git.AllTags})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s/%s: %w", owner, repo, err)
	}
	return nil
}

// DefaultBranchResolver supplies strategy (2): the GitHub API's reported
// default branch. Implemented by githubclient.Gateway.
type DefaultBranchResolver interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

var commonDefaultBranchNames = []string{"main", "master", "trunk", "develop"}

// DefaultBranch resolves the default branch through the fallback chain
// from spec.md §4.3, caching the result per-process.
func (m *Manager) DefaultBranch(ctx context.Context, owner, repo string, api DefaultBranchResolver) (string, error) {
	key := owner + "/" + repo

	m.mu.Lock()
	if b, ok := m.defaultBranchOverride[key]; ok {
		m.mu.Unlock()
		return b, nil
	}
	if b, ok := m.defaultBranchCache[key]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	branch, err := m.resolveDefaultBranch(ctx, owner, repo, api)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.defaultBranchCache[key] = branch
	m.mu.Unlock()
	return branch, nil
}

func (m *Manager) resolveDefaultBranch(ctx context.Context, owner, repo string, api DefaultBranchResolver) (string, error) {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo)

	// (2) GitHub API repo.default_branch.
	if api != nil {
		if b, err := api.DefaultBranch(ctx, owner, repo); err == nil && b != "" {
			return b, nil
		} else if err != nil {
			log.With("error", err).Debug("GitHub API default branch lookup failed")
		}
	}

	path := m.localPath(owner, repo)

	// (3) `git remote show origin` HEAD branch.
	if out, err := runGit(ctx, path, "remote", "show", "origin"); err == nil {
		if b := parseRemoteShowHead(out); b != "" {
			return b, nil
		}
	}

	// (4) symbolic-ref refs/remotes/origin/HEAD.
	if out, err := runGit(ctx, path, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if b := strings.TrimPrefix(strings.TrimSpace(out), "refs/remotes/origin/"); b != "" {
			return b, nil
		}
	}

	// (5) probe a whitelist of common names.
	for _, name := range commonDefaultBranchNames {
		if _, err := runGit(ctx, path, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+name); err == nil {
			return name, nil
		}
	}

	// (6) first listed remote branch.
	if out, err := runGit(ctx, path, "branch", "-r"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.Contains(line, "->") {
				continue
			}
			return strings.TrimPrefix(line, "origin/"), nil
		}
	}

	return "", fmt.Errorf("default branch undetectable for %s/%s", owner, repo)
}

func parseRemoteShowHead(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "HEAD branch:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "HEAD branch:"))
		}
	}
	return ""
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

func (m *Manager) authenticatedRemoteURL(ctx context.Context, owner, repo string) (string, error) {
	base := m.remoteURL(owner, repo)
	if !strings.HasPrefix(base, "https://") {
		// Local filesystem remote (used by tests); no credentials to inject.
		return base, nil
	}
	token, err := m.tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("getting token: %w", err)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s", token.AccessToken, owner, repo), nil
}
