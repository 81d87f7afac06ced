/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type staticTokenSource string

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: string(s)}, nil
}

// initBareTestRepo creates a local bare-ish repository with one commit on
// "main" that CreateWorktree/EnsureCloned can target as a remote, mirroring
// the teacher's local-filesystem-as-remote test pattern.
func initBareTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func newTestManager(t *testing.T, remote string) *Manager {
	t.Helper()
	old := remoteURLFunc
	remoteURLFunc = func(owner, repo string) string { return remote }
	t.Cleanup(func() { remoteURLFunc = old })

	mgr, err := New(staticTokenSource("x"), BotIdentity{Name: "gitfix-bot", Email: "bot@example.com"}, t.TempDir(), t.TempDir())
	require.NoError(t, err)
	return mgr
}

func TestEnsureCloned_ClonesThenFetches(t *testing.T) {
	ctx := context.Background()
	remote := initBareTestRepo(t)
	mgr := newTestManager(t, remote)

	require.NoError(t, mgr.EnsureCloned(ctx, "acme", "web"))
	require.NoError(t, mgr.EnsureCloned(ctx, "acme", "web"), "second call should fetch, not fail")

	_, err := os.Stat(filepath.Join(mgr.localPath("acme", "web"), "README.md"))
	require.NoError(t, err)
}

func TestCreateWorktree_CommitChanges_PushBranch(t *testing.T) {
	ctx := context.Background()
	remote := initBareTestRepo(t)
	mgr := newTestManager(t, remote)
	require.NoError(t, mgr.EnsureCloned(ctx, "acme", "web"))

	wt, err := mgr.CreateWorktree(ctx, "acme", "web", 42, "Fix login redirect", "main", "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(wt.BranchName, "ai-fix/42-fix-login-redirect-"))

	_, err = os.Stat(filepath.Join(wt.WorktreePath, "README.md"))
	require.NoError(t, err)

	err = mgr.CommitChanges(ctx, wt, "", 42, "Fix login redirect")
	require.ErrorIs(t, err, ErrNoChanges)

	require.NoError(t, os.WriteFile(filepath.Join(wt.WorktreePath, "fix.txt"), []byte("patch"), 0o644))
	require.NoError(t, mgr.CommitChanges(ctx, wt, "", 42, "Fix login redirect"))

	require.NoError(t, mgr.PushBranch(ctx, wt))

	out, err := runGit(ctx, remote, "branch", "--list", wt.BranchName)
	require.NoError(t, err)
	require.Contains(t, out, wt.BranchName)
}

func TestCleanup_AlwaysDeleteRemovesWorktree(t *testing.T) {
	ctx := context.Background()
	remote := initBareTestRepo(t)
	mgr := newTestManager(t, remote)
	require.NoError(t, mgr.EnsureCloned(ctx, "acme", "web"))
	wt, err := mgr.CreateWorktree(ctx, "acme", "web", 1, "Test", "main", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Cleanup(ctx, wt, CleanupOptions{RetentionStrategy: RetentionAlwaysDelete, DeleteBranch: true, Success: true}))

	_, err = os.Stat(wt.WorktreePath)
	require.True(t, os.IsNotExist(err))
}

func TestCleanup_KeepOnFailureWritesRetentionInfo(t *testing.T) {
	ctx := context.Background()
	remote := initBareTestRepo(t)
	mgr := newTestManager(t, remote)
	require.NoError(t, mgr.EnsureCloned(ctx, "acme", "web"))
	wt, err := mgr.CreateWorktree(ctx, "acme", "web", 1, "Test", "main", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Cleanup(ctx, wt, CleanupOptions{RetentionStrategy: RetentionKeepOnFailure, Success: false, RetentionHours: 6}))

	_, err = os.Stat(filepath.Join(wt.WorktreePath, ".retention-info.json"))
	require.NoError(t, err)
}

func TestCleanupExpired_RemovesPastScheduledWorktrees(t *testing.T) {
	ctx := context.Background()
	remote := initBareTestRepo(t)
	mgr := newTestManager(t, remote)
	require.NoError(t, mgr.EnsureCloned(ctx, "acme", "web"))
	wt, err := mgr.CreateWorktree(ctx, "acme", "web", 1, "Test", "main", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Cleanup(ctx, wt, CleanupOptions{RetentionStrategy: RetentionKeepForHours, RetentionHours: 0}))

	// Force the schedule into the past. With RetentionHours 0, Cleanup
	// schedules the removal 24h ahead, so that is the date to rewrite.
	infoPath := filepath.Join(wt.WorktreePath, ".retention-info.json")
	data, err := os.ReadFile(infoPath)
	require.NoError(t, err)
	past := strings.Replace(string(data), time.Now().Add(24*time.Hour).Format("2006-01-02"), "2000-01-01", 1)
	require.NoError(t, os.WriteFile(infoPath, []byte(past), 0o644))

	require.NoError(t, mgr.CleanupExpired(ctx, filepath.Dir(wt.WorktreePath), time.Hour))
	_, err = os.Stat(wt.WorktreePath)
	require.True(t, os.IsNotExist(err))
}

func TestModifiedFiles_ReportsUncommittedWorkingTreeState(t *testing.T) {
	ctx := context.Background()
	remote := initBareTestRepo(t)
	mgr := newTestManager(t, remote)
	require.NoError(t, mgr.EnsureCloned(ctx, "acme", "web"))

	// The worktree's branch tip is the repo's one and only commit, so
	// there's no HEAD~1 to diff against; ModifiedFiles must still report
	// the agent's uncommitted changes from working-tree state alone.
	wt, err := mgr.CreateWorktree(ctx, "acme", "web", 7, "Add logging", "main", "")
	require.NoError(t, err)

	files, err := mgr.ModifiedFiles(ctx, wt)
	require.NoError(t, err)
	require.Empty(t, files)

	require.NoError(t, os.WriteFile(filepath.Join(wt.WorktreePath, "fix.txt"), []byte("patch"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wt.WorktreePath, "README.md"), []byte("updated"), 0o644))

	files, err = mgr.ModifiedFiles(ctx, wt)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"fix.txt", "README.md"}, files)

	// After committing, the working tree is clean again, so nothing is
	// reported any more.
	require.NoError(t, mgr.CommitChanges(ctx, wt, "", 7, "Add logging"))
	files, err = mgr.ModifiedFiles(ctx, wt)
	require.NoError(t, err)
	require.Empty(t, files)
}
