/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/integry/gitfix/agentadapter"
	"github.com/integry/gitfix/clonemanager"
	"github.com/integry/gitfix/config"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/task"
	"github.com/integry/gitfix/taskqueue"
	"github.com/integry/gitfix/taskstore"
	"github.com/stretchr/testify/require"
)

type fakeGithub struct {
	issue       githubclient.Issue
	labelsAdded []string
	labelsRemoved []string
	comments    []string
	createPRErr error
	createdPR   githubclient.CreatedPR
	openByHead  []githubclient.CreatedPR
	branchSHA   string
	branchErr   error
	prStatus    *githubclient.PRStatus
	prStatusFound bool
}

func (f *fakeGithub) GetIssue(ctx context.Context, ref task.Ref) (githubclient.Issue, error) {
	return f.issue, nil
}
func (f *fakeGithub) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.labelsAdded = append(f.labelsAdded, label)
	return nil
}
func (f *fakeGithub) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	f.labelsRemoved = append(f.labelsRemoved, label)
	return nil
}
func (f *fakeGithub) CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	f.comments = append(f.comments, body)
	return 1, nil
}
func (f *fakeGithub) CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (githubclient.CreatedPR, error) {
	if f.createPRErr != nil {
		return githubclient.CreatedPR{}, f.createPRErr
	}
	return f.createdPR, nil
}
func (f *fakeGithub) ListOpenPRsByHead(ctx context.Context, owner, repo, headOwner, branch string) ([]githubclient.CreatedPR, error) {
	return f.openByHead, nil
}
func (f *fakeGithub) GetBranch(ctx context.Context, owner, repo, name string) (string, error) {
	return f.branchSHA, f.branchErr
}
func (f *fakeGithub) GetPR(ctx context.Context, ref task.Ref) (githubclient.PullRequest, error) {
	return githubclient.PullRequest{}, nil
}
func (f *fakeGithub) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	return "main", nil
}
func (f *fakeGithub) InstallationToken(ctx context.Context) (string, time.Time, error) {
	return "tok", time.Now().Add(time.Hour), nil
}
func (f *fakeGithub) PRStatusByHead(ctx context.Context, owner, repo, branch string) (*githubclient.PRStatus, bool, error) {
	return f.prStatus, f.prStatusFound, nil
}

type fakeClones struct {
	wt           *clonemanager.Worktree
	modifiedFiles []string
	cleanedUp    bool
	cleanupOpts  clonemanager.CleanupOptions
}

func (f *fakeClones) EnsureCloned(ctx context.Context, owner, repo string) error { return nil }
func (f *fakeClones) DefaultBranch(ctx context.Context, owner, repo string, api clonemanager.DefaultBranchResolver) (string, error) {
	return "main", nil
}
func (f *fakeClones) CreateWorktree(ctx context.Context, owner, repo string, issueNumber int, title, baseBranch, modelSlug string) (*clonemanager.Worktree, error) {
	return f.wt, nil
}
func (f *fakeClones) CreateWorktreeForBranch(ctx context.Context, owner, repo, branch string) (*clonemanager.Worktree, error) {
	return f.wt, nil
}
func (f *fakeClones) CommitChanges(ctx context.Context, wt *clonemanager.Worktree, agentMessage string, issueNumber int, title string) error {
	return nil
}
func (f *fakeClones) ModifiedFiles(ctx context.Context, wt *clonemanager.Worktree) ([]string, error) {
	return f.modifiedFiles, nil
}
func (f *fakeClones) PushBranch(ctx context.Context, wt *clonemanager.Worktree) error { return nil }
func (f *fakeClones) Cleanup(ctx context.Context, wt *clonemanager.Worktree, opts clonemanager.CleanupOptions) error {
	f.cleanedUp = true
	f.cleanupOpts = opts
	return nil
}

type fakeAgent struct {
	result     agentadapter.Result
	err        error
	calls      int
	lastPrompt string
}

func (f *fakeAgent) Run(ctx context.Context, inv agentadapter.Invocation, sink agentadapter.DetailSink) (agentadapter.Result, error) {
	f.calls++
	f.lastPrompt = inv.Prompt
	if sink != nil {
		sink(task.ExecutionDetail{EventType: task.DetailThought, Content: "working"})
	}
	return f.result, f.err
}

type fakeStore struct {
	events []task.HistoryEvent
}

func (f *fakeStore) CreateTask(ctx context.Context, t task.Task) error { return nil }
func (f *fakeStore) AppendEvent(ctx context.Context, ev task.HistoryEvent) error {
	f.events = append(f.events, ev)
	return nil
}
func (f *fakeStore) RecordExecutionStart(ctx context.Context, rec task.ExecutionRecord) error { return nil }
func (f *fakeStore) RecordExecutionEnd(ctx context.Context, rec task.ExecutionRecord) error    { return nil }
func (f *fakeStore) AppendExecutionDetail(ctx context.Context, d task.ExecutionDetail) error    { return nil }
func (f *fakeStore) SetLiveSnapshot(ctx context.Context, snap taskstore.LiveSnapshot) error     { return nil }

type fakeQueue struct {
	progress map[string]int
}

func (f *fakeQueue) UpdateProgress(ctx context.Context, jobID string, pct int) error {
	if f.progress == nil {
		f.progress = map[string]int{}
	}
	f.progress[jobID] = pct
	return nil
}

func testSnapshot(t *testing.T) *config.Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	const doc = `{
  "repos_to_monitor": [{"name":"acme/web","enabled":true}],
  "settings": {
    "worker_concurrency": 1,
    "primary_processing_labels": ["ai-fix"],
    "pr_label": "gitfix",
    "done_label_suffix": "-done",
    "processing_label_suffix": "-processing"
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	loader, err := config.New(context.Background(), config.FileSource{Path: path}, config.EnvDefaults{})
	require.NoError(t, err)
	return loader
}

func newWorker(t *testing.T, gh *fakeGithub, cl *fakeClones, ag *fakeAgent, st *fakeStore, q *fakeQueue) *Worker {
	t.Helper()
	return &Worker{
		GitHub: gh, Clones: cl, Agent: ag, Store: st, Queue: q,
		Config:            testSnapshot(t),
		AgentCommand:      "true",
		RetentionStrategy: clonemanager.RetentionAlwaysDelete,
	}
}

func TestHandleIssue_SkipsWhenPrimaryLabelMissing(t *testing.T) {
	gh := &fakeGithub{issue: githubclient.Issue{Number: 1, Title: "bug", Labels: []string{"other"}}}
	cl := &fakeClones{}
	ag := &fakeAgent{}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, err := IssuePayload{Owner: "acme", Repo: "web", Number: 1, PrimaryLabel: "ai-fix"}.Encode()
	require.NoError(t, err)
	err = w.Handle(context.Background(), taskqueue.Job{ID: "j1", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, 0, ag.calls)
	require.Equal(t, task.StateSkipped, st.events[len(st.events)-1].State)
}

func TestHandleIssue_SkipsWhenAlreadyDone(t *testing.T) {
	gh := &fakeGithub{issue: githubclient.Issue{Number: 1, Title: "bug", Labels: []string{"ai-fix", "ai-fix-done"}}}
	cl := &fakeClones{}
	ag := &fakeAgent{}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, _ := IssuePayload{Owner: "acme", Repo: "web", Number: 1, PrimaryLabel: "ai-fix"}.Encode()
	err := w.Handle(context.Background(), taskqueue.Job{ID: "j1", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, 0, ag.calls)
}

func TestHandleIssue_NoChangesCompletesWithoutPR(t *testing.T) {
	gh := &fakeGithub{issue: githubclient.Issue{Number: 1, Title: "bug", Labels: []string{"ai-fix"}}}
	cl := &fakeClones{wt: &clonemanager.Worktree{WorktreePath: t.TempDir(), BranchName: "ai-fix/1-bug", Owner: "acme", Repo: "web"}}
	ag := &fakeAgent{result: agentadapter.Result{Success: true}}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, _ := IssuePayload{Owner: "acme", Repo: "web", Number: 1, PrimaryLabel: "ai-fix"}.Encode()
	err := w.Handle(context.Background(), taskqueue.Job{ID: "j1", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, 1, ag.calls)
	require.Contains(t, gh.labelsAdded, "ai-fix-done")
	require.True(t, cl.cleanedUp)
	require.Equal(t, task.StateCompleted, st.events[len(st.events)-1].State)
	require.Equal(t, 100, q.progress["j1"])
}

func TestHandleIssue_CommitsPushesAndOpensPR(t *testing.T) {
	gh := &fakeGithub{
		issue:     githubclient.Issue{Number: 1, Title: "bug", Labels: []string{"ai-fix"}},
		createdPR: githubclient.CreatedPR{Number: 5, HTMLURL: "https://github.com/acme/web/pull/5"},
	}
	cl := &fakeClones{
		wt:            &clonemanager.Worktree{WorktreePath: t.TempDir(), BranchName: "ai-fix/1-bug", Owner: "acme", Repo: "web"},
		modifiedFiles: []string{"main.go"},
	}
	ag := &fakeAgent{result: agentadapter.Result{Success: true, CommitMessage: "Fix #1: bug"}}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, _ := IssuePayload{Owner: "acme", Repo: "web", Number: 1, PrimaryLabel: "ai-fix"}.Encode()
	err := w.Handle(context.Background(), taskqueue.Job{ID: "j1", Payload: payload})
	require.NoError(t, err)
	require.Contains(t, gh.labelsAdded, "ai-fix-done")
	require.Contains(t, gh.labelsAdded, "gitfix")
	require.Equal(t, task.StateCompleted, st.events[len(st.events)-1].State)
}

func TestHandleIssue_AgentFailureMarksFailedAndDeadletters(t *testing.T) {
	gh := &fakeGithub{issue: githubclient.Issue{Number: 1, Title: "bug", Labels: []string{"ai-fix"}}}
	cl := &fakeClones{wt: &clonemanager.Worktree{WorktreePath: t.TempDir(), BranchName: "ai-fix/1-bug", Owner: "acme", Repo: "web"}}
	ag := &fakeAgent{err: task.ErrAgentCrashed}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, _ := IssuePayload{Owner: "acme", Repo: "web", Number: 1, PrimaryLabel: "ai-fix"}.Encode()
	err := w.Handle(context.Background(), taskqueue.Job{ID: "j1", Payload: payload})
	require.Error(t, err)
	require.True(t, taskqueue.IsNonRetriable(err))
	require.Contains(t, gh.labelsAdded, "ai-fix-failed-claude")
	require.Equal(t, task.StateFailed, st.events[len(st.events)-1].State)
	require.True(t, cl.cleanedUp)
	require.NotEmpty(t, gh.comments)
	require.Contains(t, gh.comments[len(gh.comments)-1], "agent crashing")
}

func TestHandlePRFollowup_RequeuesOnPendingChecks(t *testing.T) {
	gh := &fakeGithub{
		prStatusFound: true,
		prStatus:      &githubclient.PRStatus{Number: 5, PendingChecks: []string{"ci/build"}},
	}
	cl := &fakeClones{}
	ag := &fakeAgent{}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, err := PRFollowupPayload{Owner: "acme", Repo: "web", PRNumber: 5, Branch: "ai-fix/5-x"}.Encode()
	require.NoError(t, err)
	err = w.Handle(context.Background(), taskqueue.Job{ID: "j2", TaskID: "pr-comments-batch-acme-web-5-1", Payload: payload})
	require.Error(t, err)
	require.False(t, taskqueue.IsNonRetriable(err))
	require.Equal(t, 0, ag.calls)
}

func TestHandlePRFollowup_AppliesCommentsAndPushes(t *testing.T) {
	ok := true
	gh := &fakeGithub{
		prStatusFound: true,
		prStatus:      &githubclient.PRStatus{Number: 5, Mergeable: &ok},
	}
	cl := &fakeClones{
		wt:            &clonemanager.Worktree{WorktreePath: t.TempDir(), BranchName: "ai-fix/5-x", Owner: "acme", Repo: "web"},
		modifiedFiles: []string{"main.go"},
	}
	ag := &fakeAgent{result: agentadapter.Result{Success: true, CommitMessage: "address feedback"}}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, _ := PRFollowupPayload{
		Owner: "acme", Repo: "web", PRNumber: 5, Branch: "ai-fix/5-x",
		Comments: []githubclient.Comment{{Author: "alice", Body: "please rename this"}},
	}.Encode()
	err := w.Handle(context.Background(), taskqueue.Job{ID: "j2", TaskID: "pr-comments-batch-acme-web-5-1", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, 1, ag.calls)
	require.Equal(t, task.StateCompleted, st.events[len(st.events)-1].State)
	require.True(t, cl.cleanedUp)
}

func TestHandlePRFollowup_PromptIncludesFailedCheckFindings(t *testing.T) {
	ok := true
	gh := &fakeGithub{
		prStatusFound: true,
		prStatus: &githubclient.PRStatus{
			Number:    5,
			Mergeable: &ok,
			Findings: []githubclient.CheckFinding{
				{Name: "ci/unit-tests", DetailsURL: "https://ci.example/run/1", Details: "check \"ci/unit-tests\" (status=COMPLETED conclusion=FAILURE): TestFoo failed"},
			},
		},
	}
	cl := &fakeClones{
		wt:            &clonemanager.Worktree{WorktreePath: t.TempDir(), BranchName: "ai-fix/5-x", Owner: "acme", Repo: "web"},
		modifiedFiles: []string{"main.go"},
	}
	ag := &fakeAgent{result: agentadapter.Result{Success: true, CommitMessage: "fix failing test"}}
	st := &fakeStore{}
	q := &fakeQueue{}
	w := newWorker(t, gh, cl, ag, st, q)

	payload, _ := PRFollowupPayload{
		Owner: "acme", Repo: "web", PRNumber: 5, Branch: "ai-fix/5-x",
		Comments: []githubclient.Comment{{Author: "alice", Body: "please address CI"}},
	}.Encode()
	err := w.Handle(context.Background(), taskqueue.Job{ID: "j2", TaskID: "pr-comments-batch-acme-web-5-1", Payload: payload})
	require.NoError(t, err)
	require.Contains(t, ag.lastPrompt, "ci/unit-tests")
	require.Contains(t, ag.lastPrompt, "TestFoo failed")
}
