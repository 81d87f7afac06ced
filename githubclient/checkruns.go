/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubclient

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// CheckFinding is a single failed check run on a pull request's head commit
// (spec.md §4.7 "validate PR"; supplemented per SPEC_FULL.md §3 from the
// teacher's changemanager.Session.Findings()).
type CheckFinding struct {
	Name       string
	DetailsURL string
	Details    string
}

// PRStatus is the GraphQL-derived view of a pull request's mergeability and
// check-run state, used to decide whether a PR needs another agent
// iteration (non-empty Findings), should be left alone until CI finishes
// (non-empty PendingChecks), or is ready (both empty).
type PRStatus struct {
	Number        int
	Mergeable     *bool // nil while GitHub is still computing
	Findings      []CheckFinding
	PendingChecks []string
}

type gqlCheckRunNode struct {
	Name       string
	Status     string
	Conclusion string
	DetailsUrl string
	Title      string
	Summary    string
}

type gqlCheckRunsConnection struct {
	Nodes []gqlCheckRunNode
}

type gqlCheckSuiteNode struct {
	FailedRuns  gqlCheckRunsConnection `graphql:"failedRuns: checkRuns(first: 50, filterBy: {conclusions: [FAILURE, TIMED_OUT, CANCELLED]})"`
	PendingRuns gqlCheckRunsConnection `graphql:"pendingRuns: checkRuns(first: 50, filterBy: {statuses: [QUEUED, IN_PROGRESS, WAITING, PENDING, REQUESTED]})"`
}

// PRStatusByHead queries the latest open PR for owner/repo with the given
// head branch and returns its mergeable state and check-run findings in one
// GraphQL round trip (spec.md's PR validation step; grounded on the
// teacher's changemanager.Manager.NewSession single-query-plus-check-suites
// shape, simplified to the first page of suites/runs rather than the
// teacher's full suite/run pagination -- repos with more than 50 failed or
// pending runs on a single commit are out of scope here).
func (g *Gateway) PRStatusByHead(ctx context.Context, owner, repo, branch string) (*PRStatus, bool, error) {
	var query struct {
		Repository struct {
			PullRequests struct {
				Nodes []struct {
					Number    int
					Mergeable string
					Commits   struct {
						Nodes []struct {
							Commit struct {
								CheckSuites struct {
									Nodes []gqlCheckSuiteNode
								} `graphql:"checkSuites(first: 20)"`
							}
						}
					} `graphql:"commits(last: 1)"`
				}
			} `graphql:"pullRequests(headRefName: $headRef, states: [OPEN], first: 1)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}

	variables := map[string]any{
		"owner":   githubv4.String(owner),
		"repo":    githubv4.String(repo),
		"headRef": githubv4.String(branch),
	}

	if err := g.do(ctx, "pr_status_by_head", func() error {
		return g.gql.Query(ctx, &query, variables)
	}); err != nil {
		return nil, false, fmt.Errorf("querying PR status for %s/%s#%s: %w", owner, repo, branch, err)
	}

	if len(query.Repository.PullRequests.Nodes) == 0 {
		return nil, false, nil
	}
	pr := query.Repository.PullRequests.Nodes[0]

	status := &PRStatus{Number: pr.Number}
	switch pr.Mergeable {
	case "MERGEABLE":
		ok := true
		status.Mergeable = &ok
	case "CONFLICTING":
		ok := false
		status.Mergeable = &ok
	}

	if len(pr.Commits.Nodes) == 0 {
		return status, true, nil
	}
	for _, suite := range pr.Commits.Nodes[0].Commit.CheckSuites.Nodes {
		for _, run := range suite.FailedRuns.Nodes {
			status.Findings = append(status.Findings, CheckFinding{
				Name:       run.Name,
				DetailsURL: run.DetailsUrl,
				Details:    formatCheckRunDetails(run.Name, run.Status, run.Conclusion, run.Title, run.Summary),
			})
		}
		for _, run := range suite.PendingRuns.Nodes {
			status.PendingChecks = append(status.PendingChecks, run.Name)
		}
	}
	return status, true, nil
}

func formatCheckRunDetails(name, status, conclusion, title, summary string) string {
	return fmt.Sprintf("check %q (status=%s conclusion=%s): %s\n%s", name, status, conclusion, title, summary)
}
