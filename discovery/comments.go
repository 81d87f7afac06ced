/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package discovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/pipeline"
	"github.com/integry/gitfix/task"
	"github.com/integry/gitfix/taskqueue"
)

// discoverFollowups implements spec.md §4.5 steps 4-5: for each open PR
// carrying prLabel, fetch comments since the later of its persisted
// cursor or the 24h window, filter to ones worth acting on, and batch the
// survivors into a single follow-up job.
//
// ListOpenPRsWithLabel has no "updated since" parameter to pre-filter the
// PR list itself, so every open labeled PR is scanned each poll; the
// per-PR comment cursor (persisted via SetLastHandledCommentAt) is what
// actually bounds the GitHub API traffic, since only comments newer than
// the cursor are ever fetched.
func (d *Daemon) discoverFollowups(ctx context.Context, owner, repo string, settings task.Settings) {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo)
	if settings.PRLabel == "" {
		return
	}
	prs, err := d.GitHub.ListOpenPRsWithLabel(ctx, owner, repo, settings.PRLabel)
	if err != nil {
		log.With("error", err).Warn("Listing labeled pull requests failed")
		return
	}

	keywords := compileFollowupKeywords(settings.FollowupKeywords)
	whitelist := toSet(settings.UserWhitelist)

	for _, pr := range prs {
		d.batchFollowupComments(ctx, owner, repo, pr, keywords, whitelist)
	}
}

func (d *Daemon) batchFollowupComments(ctx context.Context, owner, repo string, pr githubclient.PullRequest, keywords []*regexp.Regexp, whitelist map[string]struct{}) {
	log := clog.FromContext(ctx).With("repo", owner+"/"+repo, "pr", pr.Number)

	cursor, found, err := d.Store.GetLastHandledCommentAt(ctx, owner, repo, pr.Number)
	if err != nil {
		log.With("error", err).Warn("Loading comment cursor failed")
		return
	}
	windowFloor := time.Now().Add(-commentWindow)
	since := windowFloor
	if found && cursor.After(since) {
		since = cursor
	}

	comments, err := d.GitHub.ListNewComments(ctx, owner, repo, pr.Number, since)
	if err != nil {
		log.With("error", err).Warn("Listing new comments failed")
		return
	}

	var matched []githubclient.Comment
	latest := since
	for _, c := range comments {
		if c.CreatedAt.After(latest) {
			latest = c.CreatedAt
		}
		if !d.commentQualifies(c, keywords, whitelist) {
			continue
		}
		matched = append(matched, c)
	}

	// The cursor advances past every comment seen this poll, matched or
	// not, so a non-matching comment is never re-evaluated.
	if len(comments) > 0 {
		if err := d.Store.SetLastHandledCommentAt(ctx, owner, repo, pr.Number, latest); err != nil {
			log.With("error", err).Warn("Persisting comment cursor failed")
		}
	}

	if len(matched) == 0 {
		return
	}

	windowStart := time.Now()
	ref := task.Ref{RepoOwner: owner, RepoName: repo, Number: pr.Number, Type: task.TypePRComment}
	taskID := ref.BatchTaskID(windowStart)
	jobID := fmt.Sprintf("pr-comments-batch-%s-%s-%d-%d", owner, repo, pr.Number, windowStart.Unix())

	payload, err := pipeline.PRFollowupPayload{
		Owner: owner, Repo: repo, PRNumber: pr.Number, Branch: pr.Head,
		Comments: matched, CorrelationID: taskqueue.NewCorrelationID(),
	}.Encode()
	if err != nil {
		log.With("error", err).Warn("Encoding PR follow-up payload failed")
		return
	}
	if err := d.Queue.Enqueue(ctx, jobID, taskID, payload, taskqueue.EnqueueOptions{}); err != nil && !errors.Is(err, taskqueue.ErrDuplicateJob) {
		log.With("error", err, "matched_comments", len(matched)).Warn("Enqueueing PR follow-up job failed")
	}
}

// commentQualifies implements spec.md §4.5 step 4's comment filter:
// author in the whitelist (if one is configured), author isn't the bot
// itself, and the body contains a follow-up keyword on a word boundary.
func (d *Daemon) commentQualifies(c githubclient.Comment, keywords []*regexp.Regexp, whitelist map[string]struct{}) bool {
	if d.BotUsername != "" && c.Author == d.BotUsername {
		return false
	}
	if len(whitelist) > 0 {
		if _, ok := whitelist[c.Author]; !ok {
			return false
		}
	}
	for _, re := range keywords {
		if re.MatchString(c.Body) {
			return true
		}
	}
	return false
}

func compileFollowupKeywords(keywords []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(keywords))
	for _, kw := range keywords {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
