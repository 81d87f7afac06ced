/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubclient implements the GitHub Gateway (spec.md C2): a thin
// typed wrapper over the GitHub REST and GraphQL APIs with installation
// token management and retry/backoff on rate limits and transient errors.
package githubclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
	"github.com/integry/gitfix/task"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Gateway wraps a *github.Client and a GraphQL client sharing the same
// installation transport, plus the retry policy from spec.md §4.2.
type Gateway struct {
	rest    *github.Client
	gql     *githubv4.Client
	transport *ghinstallation.Transport
	retry   RetryPolicy
}

// New constructs a Gateway authenticated as a GitHub App installation.
func New(appID, installationID int64, privateKeyPEM []byte) (*Gateway, error) {
	tr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}
	httpClient := &http.Client{Transport: tr}
	return &Gateway{
		rest:      github.NewClient(httpClient),
		gql:       githubv4.NewClient(httpClient),
		transport: tr,
		retry:     DefaultRetryPolicy(),
	}, nil
}

// NewWithClients wires pre-built clients; used by tests and by callers
// that already manage an httptest.Server-backed transport.
func NewWithClients(rest *github.Client, gql *githubv4.Client) *Gateway {
	return &Gateway{rest: rest, gql: gql, retry: DefaultRetryPolicy()}
}

// InstallationToken returns the current short-lived installation token and
// its expiry (spec.md §4.2 installationToken()).
func (g *Gateway) InstallationToken(ctx context.Context) (string, time.Time, error) {
	if g.transport == nil {
		return "", time.Time{}, fmt.Errorf("%w: gateway has no installation transport", task.ErrAuthFailure)
	}
	token, err := g.transport.Token(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", task.ErrAuthFailure, err)
	}
	return token, g.transport.Expiry, nil
}

// TokenSource adapts InstallationToken to oauth2.TokenSource, for callers
// like clonemanager that authenticate git operations over HTTPS rather
// than through the REST/GraphQL clients.
func (g *Gateway) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &installationTokenSource{gw: g, ctx: ctx}
}

type installationTokenSource struct {
	gw  *Gateway
	ctx context.Context
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, expiry, err := s.gw.InstallationToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token, TokenType: "x-access-token", Expiry: expiry}, nil
}

// Issue is the subset of GitHub issue fields the pipeline needs.
type Issue struct {
	Number    int
	Title     string
	Body      string
	HTMLURL   string
	State     string
	Labels    []string
	User      string
	UpdatedAt time.Time
}

// PullRequest is the subset of GitHub PR fields the pipeline needs.
type PullRequest struct {
	Number  int
	HTMLURL string
	Head    string // branch name
	State   string
	Labels  []string
}

// Comment is a single issue/PR comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// SearchIssues runs the label-state search from spec.md §4.2: open issues
// carrying `label` but neither processingLabel nor doneLabel, paginated.
func (g *Gateway) SearchIssues(ctx context.Context, owner, repo, label, processingLabel, doneLabel string) ([]Issue, error) {
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open label:%q -label:%q -label:%q`,
		owner, repo, label, processingLabel, doneLabel)

	var out []Issue
	opts := &github.SearchOptions{
		Sort:  "created",
		Order: "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		var result *github.IssuesSearchResult
		err := g.do(ctx, "search_issues", func() error {
			var resp *github.Response
			var err error
			result, resp, err = g.rest.Search.Issues(ctx, query, opts)
			return classifyResponse(resp, err)
		})
		if err != nil {
			return nil, err
		}
		for _, iss := range result.Issues {
			out = append(out, convertIssue(iss))
		}
		if result.GetIncompleteResults() || len(result.Issues) < opts.PerPage {
			// go-github doesn't expose NextPage for search results once
			// exhausted; rely on page count.
		}
		if len(result.Issues) < opts.PerPage {
			break
		}
		opts.Page++
	}
	return out, nil
}

// ListIssuesWithLabel lists all open issues in owner/repo carrying label,
// with no exclusions. Used by the discovery daemon's --reset-labels admin
// operation (spec.md §6) to find issues stuck with a processing label.
func (g *Gateway) ListIssuesWithLabel(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open label:%q`, owner, repo, label)

	var out []Issue
	opts := &github.SearchOptions{
		Sort:  "created",
		Order: "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var result *github.IssuesSearchResult
		err := g.do(ctx, "search_issues", func() error {
			var resp *github.Response
			var err error
			result, resp, err = g.rest.Search.Issues(ctx, query, opts)
			return classifyResponse(resp, err)
		})
		if err != nil {
			return nil, err
		}
		for _, iss := range result.Issues {
			out = append(out, convertIssue(iss))
		}
		if len(result.Issues) < opts.PerPage {
			break
		}
		opts.Page++
	}
	return out, nil
}

// ListOpenPRsWithLabel lists open PRs in owner/repo carrying label.
func (g *Gateway) ListOpenPRsWithLabel(ctx context.Context, owner, repo, label string) ([]PullRequest, error) {
	query := fmt.Sprintf(`repo:%s/%s is:pr is:open label:%q`, owner, repo, label)

	var out []PullRequest
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var result *github.IssuesSearchResult
		err := g.do(ctx, "search_prs", func() error {
			var resp *github.Response
			var err error
			result, resp, err = g.rest.Search.Issues(ctx, query, opts)
			return classifyResponse(resp, err)
		})
		if err != nil {
			return nil, err
		}
		for _, iss := range result.Issues {
			// Search results carry no head branch, so each PR is fetched
			// to fill Head.
			pr, err := g.GetPR(ctx, task.Ref{RepoOwner: owner, RepoName: repo, Number: iss.GetNumber()})
			if err != nil {
				return nil, err
			}
			out = append(out, pr)
		}
		if len(result.Issues) < opts.PerPage {
			break
		}
		opts.Page++
	}
	return out, nil
}

// GetIssue fetches a single issue.
func (g *Gateway) GetIssue(ctx context.Context, ref task.Ref) (Issue, error) {
	var iss *github.Issue
	err := g.do(ctx, "get_issue", func() error {
		var resp *github.Response
		var err error
		iss, resp, err = g.rest.Issues.Get(ctx, ref.RepoOwner, ref.RepoName, ref.Number)
		return classifyResponse(resp, err)
	})
	if err != nil {
		return Issue{}, err
	}
	return convertIssue(iss), nil
}

// GetPR fetches a single pull request.
func (g *Gateway) GetPR(ctx context.Context, ref task.Ref) (PullRequest, error) {
	var pr *github.PullRequest
	err := g.do(ctx, "get_pr", func() error {
		var resp *github.Response
		var err error
		pr, resp, err = g.rest.PullRequests.Get(ctx, ref.RepoOwner, ref.RepoName, ref.Number)
		return classifyResponse(resp, err)
	})
	if err != nil {
		return PullRequest{}, err
	}
	return PullRequest{
		Number:  pr.GetNumber(),
		HTMLURL: pr.GetHTMLURL(),
		Head:    pr.GetHead().GetRef(),
		State:   pr.GetState(),
		Labels:  labelNames(pr.Labels),
	}, nil
}

// ListNewComments returns comments on an issue/PR created after since.
func (g *Gateway) ListNewComments(ctx context.Context, owner, repo string, number int, since time.Time) ([]Comment, error) {
	var out []Comment
	opts := &github.IssueListCommentsOptions{
		Since:       &since,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var comments []*github.IssueComment
		err := g.do(ctx, "list_comments", func() error {
			var resp *github.Response
			var err error
			comments, resp, err = g.rest.Issues.ListComments(ctx, owner, repo, number, opts)
			return classifyResponse(resp, err)
		})
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			if c.GetCreatedAt().After(since) {
				out = append(out, Comment{
					ID:        c.GetID(),
					Author:    c.GetUser().GetLogin(),
					Body:      c.GetBody(),
					CreatedAt: c.GetCreatedAt().Time,
				})
			}
		}
		if len(comments) < opts.PerPage {
			break
		}
		opts.Page++
	}
	return out, nil
}

// AddLabel is idempotent: adding a pre-existing label is a success
// (spec.md §4.2, §8).
func (g *Gateway) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return g.do(ctx, "add_label", func() error {
		_, resp, err := g.rest.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{label})
		return classifyResponse(resp, err)
	})
}

// RemoveLabel is idempotent: removing an absent label (404) is a success
// (spec.md §4.2, §8).
func (g *Gateway) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	err := g.do(ctx, "remove_label", func() error {
		resp, err := g.rest.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
		return classifyResponse(resp, err)
	})
	if errors.Is(err, task.ErrPermanentNotFound) {
		return nil
	}
	return err
}

// CreateLabel is idempotent: creating an already-existing label is a
// success (spec.md §4.2).
func (g *Gateway) CreateLabel(ctx context.Context, owner, repo, label, color string) error {
	err := g.do(ctx, "create_label", func() error {
		_, resp, err := g.rest.Issues.CreateLabel(ctx, owner, repo, &github.Label{Name: &label, Color: &color})
		return classifyResponse(resp, err)
	})
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && resp422AlreadyExists(ghErr) {
		return nil
	}
	return err
}

func resp422AlreadyExists(ghErr *github.ErrorResponse) bool {
	if ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	for _, e := range ghErr.Errors {
		if e.Code == "already_exists" {
			return true
		}
	}
	return false
}

// CreatedPR is the return of CreatePR (spec.md §4.2).
type CreatedPR struct {
	Number  int
	URL     string
	HTMLURL string
}

// CreatePR opens a pull request.
func (g *Gateway) CreatePR(ctx context.Context, owner, repo, head, base, title, body string) (CreatedPR, error) {
	var pr *github.PullRequest
	err := g.do(ctx, "create_pr", func() error {
		var resp *github.Response
		var err error
		pr, resp, err = g.rest.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: &title,
			Head:  &head,
			Base:  &base,
			Body:  &body,
		})
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			return fmt.Errorf("%w: %v", task.ErrValidationFailed, err)
		}
		return classifyResponse(resp, err)
	})
	if err != nil {
		return CreatedPR{}, err
	}
	return CreatedPR{Number: pr.GetNumber(), URL: pr.GetURL(), HTMLURL: pr.GetHTMLURL()}, nil
}

// ListOpenPRsByHead finds open PRs whose head is owner:branch (PR
// validation fallback step 2, spec.md §4.7).
func (g *Gateway) ListOpenPRsByHead(ctx context.Context, owner, repo, headOwner, branch string) ([]CreatedPR, error) {
	var prs []*github.PullRequest
	err := g.do(ctx, "list_prs_by_head", func() error {
		var resp *github.Response
		var err error
		prs, resp, err = g.rest.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
			Head:        fmt.Sprintf("%s:%s", headOwner, branch),
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 10},
		})
		return classifyResponse(resp, err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]CreatedPR, 0, len(prs))
	for _, pr := range prs {
		out = append(out, CreatedPR{Number: pr.GetNumber(), URL: pr.GetURL(), HTMLURL: pr.GetHTMLURL()})
	}
	return out, nil
}

// GetBranch returns the SHA of a branch; a missing branch is reported
// via task.ErrNotFound (spec.md §4.2).
func (g *Gateway) GetBranch(ctx context.Context, owner, repo, name string) (string, error) {
	var branch *github.Branch
	err := g.do(ctx, "get_branch", func() error {
		var resp *github.Response
		var err error
		branch, resp, err = g.rest.Repositories.GetBranch(ctx, owner, repo, name, 0)
		return classifyResponse(resp, err)
	})
	if errors.Is(err, task.ErrPermanentNotFound) {
		return "", task.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return branch.GetCommit().GetSHA(), nil
}

// CreateComment posts a comment on an issue or PR (they share a numbering
// space on GitHub).
func (g *Gateway) CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error) {
	var comment *github.IssueComment
	err := g.do(ctx, "create_comment", func() error {
		var resp *github.Response
		var err error
		comment, resp, err = g.rest.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
		return classifyResponse(resp, err)
	})
	if err != nil {
		return 0, err
	}
	return comment.GetID(), nil
}

// DefaultBranch returns the repository's configured default branch via the
// REST API (strategy (2) of spec.md §4.3's default-branch detection).
func (g *Gateway) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var r *github.Repository
	err := g.do(ctx, "get_repo", func() error {
		var resp *github.Response
		var err error
		r, resp, err = g.rest.Repositories.Get(ctx, owner, repo)
		return classifyResponse(resp, err)
	})
	if err != nil {
		return "", err
	}
	return r.GetDefaultBranch(), nil
}

func convertIssue(iss *github.Issue) Issue {
	return Issue{
		Number:    iss.GetNumber(),
		Title:     iss.GetTitle(),
		Body:      iss.GetBody(),
		HTMLURL:   iss.GetHTMLURL(),
		State:     iss.GetState(),
		Labels:    labelNames(iss.Labels),
		User:      iss.GetUser().GetLogin(),
		UpdatedAt: iss.GetUpdatedAt().Time,
	}
}

func labelNames(labels []*github.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.GetName())
	}
	return out
}
