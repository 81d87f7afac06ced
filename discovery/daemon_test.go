/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package discovery

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/integry/gitfix/config"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/pipeline"
	"github.com/integry/gitfix/task"
	"github.com/integry/gitfix/taskqueue"
	"github.com/integry/gitfix/taskstore"
	"github.com/stretchr/testify/require"
)

type fakeGithub struct {
	issues   []githubclient.Issue
	prs      []githubclient.PullRequest
	comments map[int][]githubclient.Comment
}

func (f *fakeGithub) SearchIssues(ctx context.Context, owner, repo, label, processingLabel, doneLabel string) ([]githubclient.Issue, error) {
	return f.issues, nil
}
func (f *fakeGithub) ListOpenPRsWithLabel(ctx context.Context, owner, repo, label string) ([]githubclient.PullRequest, error) {
	return f.prs, nil
}
func (f *fakeGithub) ListNewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]githubclient.Comment, error) {
	var out []githubclient.Comment
	for _, c := range f.comments[number] {
		if c.CreatedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

type enqueuedJob struct {
	jobID, taskID string
	payload       map[string]any
}

type fakeQueue struct {
	jobs []enqueuedJob
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobID, taskID string, payload map[string]any, opts taskqueue.EnqueueOptions) error {
	f.jobs = append(f.jobs, enqueuedJob{jobID, taskID, payload})
	return nil
}

type fakeStore struct {
	heartbeats int
	removed    bool
	cursors    map[string]time.Time
}

func (f *fakeStore) WriteHeartbeat(ctx context.Context, hb taskstore.Heartbeat, ttl time.Duration) error {
	f.heartbeats++
	return nil
}
func (f *fakeStore) RemoveHeartbeat(ctx context.Context, daemonID string) error {
	f.removed = true
	return nil
}
func (f *fakeStore) GetLastHandledCommentAt(ctx context.Context, owner, repo string, prNumber int) (time.Time, bool, error) {
	t, ok := f.cursors[cursorKey(owner, repo, prNumber)]
	return t, ok, nil
}
func (f *fakeStore) SetLastHandledCommentAt(ctx context.Context, owner, repo string, prNumber int, at time.Time) error {
	if f.cursors == nil {
		f.cursors = map[string]time.Time{}
	}
	f.cursors[cursorKey(owner, repo, prNumber)] = at
	return nil
}

func cursorKey(owner, repo string, prNumber int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, prNumber)
}

func testConfig(t *testing.T, doc string) *config.Loader {
	t.Helper()
	path := t.TempDir() + "/config.json"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	loader, err := config.New(context.Background(), config.FileSource{Path: path}, config.EnvDefaults{})
	require.NoError(t, err)
	return loader
}

func TestPollOnce_EnqueuesUntouchedIssues(t *testing.T) {
	gh := &fakeGithub{issues: []githubclient.Issue{
		{Number: 1, Title: "bug one", UpdatedAt: time.Now()},
		{Number: 2, Title: "bug two", UpdatedAt: time.Now().Add(-time.Hour)},
	}}
	q := &fakeQueue{}
	st := &fakeStore{}
	cfg := testConfig(t, `{
  "repos_to_monitor": [{"name":"acme/web","enabled":true}],
  "settings": {"worker_concurrency":1,"primary_processing_labels":["ai-fix"],"pr_label":"gitfix"}
}`)
	d := &Daemon{GitHub: gh, Queue: q, Store: st, Config: cfg, DaemonID: "d1"}

	d.pollOnce(context.Background(), time.Minute)

	require.Equal(t, 1, st.heartbeats)
	require.Len(t, q.jobs, 2)
	require.Equal(t, "issue-acme-web-1-ai-fix", q.jobs[0].jobID)
}

func TestDiscoverFollowups_FiltersByKeywordAndAuthor(t *testing.T) {
	gh := &fakeGithub{
		prs: []githubclient.PullRequest{{Number: 5, Head: "ai-fix/5-x"}},
		comments: map[int][]githubclient.Comment{
			5: {
				{Author: "alice", Body: "looks good, please rename this function", CreatedAt: time.Now()},
				{Author: "bob", Body: "unrelated chatter", CreatedAt: time.Now()},
				{Author: "gitfix-bot", Body: "please rename this too", CreatedAt: time.Now()},
			},
		},
	}
	q := &fakeQueue{}
	st := &fakeStore{}
	settings := task.Settings{
		WorkerConcurrency: 1, PrimaryLabels: []string{"ai-fix"}, PRLabel: "gitfix",
		FollowupKeywords: []string{"rename"},
	}
	d := &Daemon{GitHub: gh, Queue: q, Store: st, BotUsername: "gitfix-bot"}

	d.discoverFollowups(context.Background(), "acme", "web", settings)

	require.Len(t, q.jobs, 1)
	payload := q.jobs[0].payload
	require.Equal(t, pipeline.KindPRFollowup, payload["kind"])
	comments, ok := payload["comments"].([]any)
	require.True(t, ok)
	require.Len(t, comments, 1)
}

func TestDiscoverFollowups_NoMatchesSkipsEnqueueButAdvancesCursor(t *testing.T) {
	gh := &fakeGithub{
		prs: []githubclient.PullRequest{{Number: 5, Head: "ai-fix/5-x"}},
		comments: map[int][]githubclient.Comment{
			5: {{Author: "alice", Body: "thanks!", CreatedAt: time.Now()}},
		},
	}
	q := &fakeQueue{}
	st := &fakeStore{}
	settings := task.Settings{FollowupKeywords: []string{"rename"}, PRLabel: "gitfix"}
	d := &Daemon{GitHub: gh, Queue: q, Store: st}

	d.discoverFollowups(context.Background(), "acme", "web", settings)

	require.Empty(t, q.jobs)
	_, found, err := st.GetLastHandledCommentAt(context.Background(), "acme", "web", 5)
	require.NoError(t, err)
	require.True(t, found)
}
