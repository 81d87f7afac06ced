/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/integry/gitfix/pipeline"
	"github.com/integry/gitfix/task"
	"github.com/integry/gitfix/taskqueue"
	"github.com/integry/gitfix/taskstore"
)

// DefaultPollingInterval is spec.md §4.5's default poll cadence.
const DefaultPollingInterval = 60 * time.Second

// commentWindow bounds how far back a first-ever comment scan looks
// (spec.md §4.5 step 4: max(lastHandledCommentAt, now-24h)).
const commentWindow = 24 * time.Hour

// Daemon runs the single-threaded discovery poll loop.
type Daemon struct {
	GitHub GithubClient
	Queue  Queue
	Store  Store
	Config ConfigSource

	// DaemonID identifies this process in the shared heartbeat map.
	// Defaults to a random UUID if empty.
	DaemonID string
	// PollingInterval defaults to DefaultPollingInterval.
	PollingInterval time.Duration
	// BotUsername is excluded from PR follow-up comment authorship
	// (spec.md §4.5 step 4: "author != bot username").
	BotUsername string

	startTime time.Time
}

// Run starts the poll loop; it blocks until ctx is cancelled, then removes
// its heartbeat and returns (spec.md §4.5 cancellation).
func (d *Daemon) Run(ctx context.Context) error {
	if d.DaemonID == "" {
		d.DaemonID = uuid.NewString()
	}
	interval := d.PollingInterval
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	d.startTime = time.Now()
	log := clog.FromContext(ctx).With("daemon_id", d.DaemonID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.pollOnce(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			if err := d.Store.RemoveHeartbeat(context.WithoutCancel(ctx), d.DaemonID); err != nil {
				log.With("error", err).Warn("Failed to remove heartbeat on shutdown")
			}
			log.Info("Discovery daemon stopped")
			return nil
		case <-ticker.C:
			d.pollOnce(ctx, interval)
		}
	}
}

func (d *Daemon) pollOnce(ctx context.Context, interval time.Duration) {
	log := clog.FromContext(ctx).With("daemon_id", d.DaemonID)
	snap := d.Config.LoadAll()
	repos := snap.EnabledRepos()

	repoNames := make([]string, 0, len(repos))
	for _, r := range repos {
		repoNames = append(repoNames, r.Name)
	}
	hb := taskstore.Heartbeat{
		DaemonID: d.DaemonID, PID: os.Getpid(), Uptime: time.Since(d.startTime),
		Timestamp: time.Now(), Status: "active", Repos: repoNames,
	}
	if err := d.Store.WriteHeartbeat(ctx, hb, 2*interval); err != nil {
		log.With("error", err).Warn("Failed to write heartbeat")
	}

	// Repos, and each repo's labels and follow-ups, are scanned one after
	// another on this goroutine. Errors are already logged and swallowed
	// inside discoverIssues/discoverFollowups.
	for _, repo := range repos {
		owner, name := repo.Owner(), repo.Repo()
		for _, label := range snap.Settings.PrimaryLabels {
			d.discoverIssues(ctx, owner, name, label, snap.Settings)
		}
		d.discoverFollowups(ctx, owner, name, snap.Settings)
	}
}

// discoverIssues implements spec.md §4.5 step 3: find open issues carrying
// the primary label but neither its processing nor done label, and enqueue
// one issue job per match.
func (d *Daemon) discoverIssues(ctx context.Context, owner, repo, label string, settings task.Settings) {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo, "label", label)
	issues, err := d.GitHub.SearchIssues(ctx, owner, repo, label, settings.ProcessingLabel(label), settings.DoneLabel(label))
	if err != nil {
		log.With("error", err).Warn("Searching for labeled issues failed")
		return
	}

	// Best-effort ordering within this poll: created desc (spec.md §4.5
	// ordering note). UpdatedAt stands in for created-desc since Issue
	// carries no separate CreatedAt field; within one poll window both
	// orderings put the freshest issues first.
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].UpdatedAt.After(issues[j].UpdatedAt) })

	for _, issue := range issues {
		ref := task.Ref{RepoOwner: owner, RepoName: repo, Number: issue.Number, Type: task.TypeIssue}
		jobID := fmt.Sprintf("issue-%s-%s-%d-%s", owner, repo, issue.Number, label)
		payload, err := pipeline.IssuePayload{
			Owner: owner, Repo: repo, Number: issue.Number, PrimaryLabel: label,
			CorrelationID: taskqueue.NewCorrelationID(),
		}.Encode()
		if err != nil {
			log.With("error", err, "issue", issue.Number).Warn("Encoding issue payload failed")
			continue
		}
		if err := d.Queue.Enqueue(ctx, jobID, ref.TaskID(), payload, taskqueue.EnqueueOptions{}); err != nil && !errors.Is(err, taskqueue.ErrDuplicateJob) {
			log.With("error", err, "issue", issue.Number).Warn("Enqueueing issue job failed")
		}
	}
}
