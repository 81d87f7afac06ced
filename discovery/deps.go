/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package discovery implements the Discovery Daemon (spec.md C5): a
// single-process, single-threaded polling loop that finds work for the
// task pipeline without running any of it itself. Each poll writes a
// heartbeat, refreshes config, searches for untouched labeled issues, and
// batches new PR follow-up comments, enqueuing jobs onto the task queue
// (C4) for the worker (C7) to pick up.
package discovery

import (
	"context"
	"time"

	"github.com/integry/gitfix/config"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/taskqueue"
	"github.com/integry/gitfix/taskstore"
)

// GithubClient is the subset of githubclient.Gateway the daemon needs.
type GithubClient interface {
	SearchIssues(ctx context.Context, owner, repo, label, processingLabel, doneLabel string) ([]githubclient.Issue, error)
	ListOpenPRsWithLabel(ctx context.Context, owner, repo, label string) ([]githubclient.PullRequest, error)
	ListNewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]githubclient.Comment, error)
}

// Queue is the subset of taskqueue.Store the daemon needs to enqueue work.
type Queue interface {
	Enqueue(ctx context.Context, jobID, taskID string, payload map[string]any, opts taskqueue.EnqueueOptions) error
}

// Store is the subset of taskstore.Store the daemon needs for heartbeats
// and the per-PR comment cursor.
type Store interface {
	WriteHeartbeat(ctx context.Context, hb taskstore.Heartbeat, ttl time.Duration) error
	RemoveHeartbeat(ctx context.Context, daemonID string) error
	GetLastHandledCommentAt(ctx context.Context, owner, repo string, prNumber int) (time.Time, bool, error)
	SetLastHandledCommentAt(ctx context.Context, owner, repo string, prNumber int, at time.Time) error
}

// ConfigSource is the subset of *config.Loader the daemon needs.
type ConfigSource interface {
	LoadAll() *config.Snapshot
}
