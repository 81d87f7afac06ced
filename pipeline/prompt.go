/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/integry/gitfix/githubclient"
	"github.com/integry/gitfix/promptbuilder"
)

// repositoryContext is the structured repo/issue context bound into every
// agent prompt via promptbuilder.BindXML, so the issue title and body --
// both attacker-influenced free text -- can never inject new template
// placeholders (spec.md §4.7/§4.8).
type repositoryContext struct {
	XMLName      xml.Name `xml:"repository"`
	Owner        string   `xml:"owner"`
	Repo         string   `xml:"repo"`
	WorktreePath string   `xml:"worktree_path"`
	Branch       string   `xml:"branch"`
	BaseBranch   string   `xml:"base_branch"`
	IssueNumber  int      `xml:"issue_number"`
	Title        string   `xml:"title"`
	URL          string   `xml:"url"`
	Body         string   `xml:"body"`
}

type commentsContext struct {
	XMLName  xml.Name         `xml:"pr_comments"`
	Comments []commentElement `xml:"comment"`
}

type commentElement struct {
	Author string `xml:"author,attr"`
	Body   string `xml:"body"`
}

// ciFindingsContext carries failed-check-run details into the follow-up
// prompt so the agent knows what CI actually failed on, rather than only
// the requested review comments (spec.md §3 Findings/PendingChecks).
type ciFindingsContext struct {
	XMLName  xml.Name         `xml:"ci_findings"`
	Findings []findingElement `xml:"finding"`
}

type findingElement struct {
	Name       string `xml:"name,attr"`
	DetailsURL string `xml:"details_url,attr"`
	Details    string `xml:"details"`
}

var freshIssueTemplate = promptbuilder.MustNewPrompt(`ROLE: Automated issue fixer

TASK: You are an AI coding agent resolving a GitHub issue. Explore the
repository, understand the problem, and implement a working fix.

{{repository}}

WORKFLOW:
1. Read the issue title and body and explore the codebase to find the
   relevant code.
2. Implement the minimal change that resolves the issue.
3. Match the existing code's style and conventions; do not refactor
   unrelated code.
4. Leave the change uncommitted in the current worktree -- the caller
   commits and pushes it.

OUTPUT FORMAT: emit one JSON object per line on stdout. Each line is one
of:
  {"type":"thought","content":"..."}
  {"type":"tool_use","tool_name":"...","tool_input":{...}}
  {"type":"tool_result","result":"...","is_error":false}
  {"type":"todo_update","todos":[{"id":"1","status":"pending","content":"..."}]}
  {"type":"final","success":true,"num_turns":N,"cost_usd":0.0,"suggested_commit_message":"..."}
The final record is mandatory and must appear exactly once, whether or
not the fix succeeded. If no code change was needed, set success to
true and leave the worktree unmodified.`)

var prFollowupTemplate = promptbuilder.MustNewPrompt(`ROLE: Automated PR follow-up

TASK: Apply the requested changes below to the existing pull request
branch, which is already checked out in the worktree.

{{repository}}

{{comments}}

{{ci_findings}}

WORKFLOW:
1. Read the requested changes, oldest first.
2. If ci_findings lists any failed checks, address those first -- they
   are blocking the pull request regardless of the requested changes.
3. Make the requested changes without altering unrelated code already
   on the branch.
4. Leave the change uncommitted in the current worktree -- the caller
   commits and pushes it.

OUTPUT FORMAT: same line-delimited JSON contract as a fresh run, final
record mandatory.`)

var emergencyPROnlyTemplate = promptbuilder.MustNewPrompt(`ROLE: Automated PR recovery

TASK: code for this issue is already committed and pushed, but no pull
request could be found for it. Create the pull request only -- do not
make any further code changes. Use the "gh" CLI ("gh pr create") or the
equivalent GitHub API call against the branch and base branch below,
titled to reference the issue number.

{{repository}}

OUTPUT FORMAT: same line-delimited JSON contract as a fresh run, final
record mandatory.`)

func buildFreshIssuePrompt(repo repositoryContext) (string, error) {
	p, err := freshIssueTemplate.BindXML("repository", repo)
	if err != nil {
		return "", fmt.Errorf("binding repository context: %w", err)
	}
	return p.Build()
}

func buildFollowupPrompt(repo repositoryContext, comments []githubclient.Comment, findings []githubclient.CheckFinding) (string, error) {
	elems := make([]commentElement, 0, len(comments))
	for _, c := range comments {
		elems = append(elems, commentElement{Author: c.Author, Body: strings.TrimSpace(c.Body)})
	}
	findingElems := make([]findingElement, 0, len(findings))
	for _, f := range findings {
		findingElems = append(findingElems, findingElement{Name: f.Name, DetailsURL: f.DetailsURL, Details: f.Details})
	}

	bound, err := prFollowupTemplate.BindXML("repository", repo)
	if err != nil {
		return "", fmt.Errorf("binding repository context: %w", err)
	}
	bound, err = bound.BindXML("comments", commentsContext{Comments: elems})
	if err != nil {
		return "", fmt.Errorf("binding comments context: %w", err)
	}
	bound, err = bound.BindXML("ci_findings", ciFindingsContext{Findings: findingElems})
	if err != nil {
		return "", fmt.Errorf("binding ci findings context: %w", err)
	}
	return bound.Build()
}

func buildEmergencyPRPrompt(repo repositoryContext) (string, error) {
	p, err := emergencyPROnlyTemplate.BindXML("repository", repo)
	if err != nil {
		return "", fmt.Errorf("binding repository context: %w", err)
	}
	return p.Build()
}
