/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package agentadapter implements the Agent Adapter (spec.md C8): it spawns
// the external coding agent as a subprocess, feeds it a prompt on stdin,
// and streams line-delimited JSON events off stdout, normalizing them into
// task.ExecutionDetail records. Subprocess lifecycle management (piping
// stdio, starting, waiting, enforcing a deadline) is grounded on the
// exec.Command/StdoutPipe pattern from the retrieval pack's standalone
// agentium controller reference; event normalization follows the
// teacher's agents/agenttrace.Trace/ToolCall start/complete pairing.
package agentadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/integry/gitfix/agents/metrics"
	"github.com/integry/gitfix/task"
	"go.opentelemetry.io/otel/attribute"
)

// toolCallMetrics records one counter per tool invocation across every
// agent subprocess this process supervises (spec.md §4.8 tool_use
// records), dimensioned by model and repo/issue.
var toolCallMetrics = metrics.NewGenAI("gitfix.agent")

// DefaultIdleTimeout is how long the adapter waits for a line of output
// before declaring the agent stalled (spec.md §4.8).
const DefaultIdleTimeout = 300 * time.Second

// maxBufferedBytes caps how much raw stdout the adapter retains for crash
// diagnostics (spec.md §4.8 "buffer stdout up to a byte cap").
const maxBufferedBytes = 1 << 20 // 1 MiB

// recordType enumerates the line-delimited JSON record kinds the agent
// subprocess may emit on stdout (spec.md §4.8).
type recordType string

const (
	recordThought     recordType = "thought"
	recordToolUse     recordType = "tool_use"
	recordToolResult  recordType = "tool_result"
	recordTodoUpdate  recordType = "todo_update"
	recordFinal       recordType = "final"
)

// record is the wire shape of one stdout line from the agent subprocess.
type record struct {
	Type      recordType     `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Todos     []task.Todo    `json:"todos,omitempty"`
	Success   bool           `json:"success,omitempty"`
	Error     string         `json:"error,omitempty"`
	NumTurns  int            `json:"num_turns,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	CommitMessage string     `json:"suggested_commit_message,omitempty"`
}

// Invocation describes one agent subprocess run.
type Invocation struct {
	// Command is the agent binary (e.g. the path to the coding agent CLI).
	Command string
	Args    []string
	// WorkDir is the worktree the agent should operate in.
	WorkDir string
	Prompt  string
	GitHubToken string
	RepoOwner   string
	RepoName    string
	IssueNumber int
	Model       string
	// Deadline bounds total wall-clock execution. Zero means no bound
	// beyond ctx's own deadline.
	Deadline time.Duration
	// IdleTimeout bounds the gap between stdout lines. Zero uses
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// DetailSink receives normalized execution-detail events as they stream in.
type DetailSink func(task.ExecutionDetail)

// Result summarizes a completed (or failed) agent invocation.
type Result struct {
	Success   bool
	NumTurns  int
	CostUSD   float64
	FinalTodos []task.Todo
	CommitMessage string
	RawStdoutTail string
	ExitErr   error
}

// Adapter spawns and supervises agent subprocesses.
type Adapter struct{}

// New constructs an Adapter.
func New() *Adapter { return &Adapter{} }

// Run executes inv, streaming normalized details to sink as they arrive.
// It classifies failures into task.ErrAgentCrashed (non-zero exit, no
// final record), task.ErrAgentStalled (no output within the idle timeout),
// task.ErrTimedOut (wall-clock deadline exceeded),
// or a plain error carrying the agent's own reported failure.
func (a *Adapter) Run(ctx context.Context, inv Invocation, sink DetailSink) (Result, error) {
	log := clog.FromContext(ctx).With("repo", fmt.Sprintf("%s/%s", inv.RepoOwner, inv.RepoName), "issue", inv.IssueNumber)

	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Command, inv.Args...)
	cmd.Dir = inv.WorkDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		fmt.Sprintf("GH_TOKEN=%s", inv.GitHubToken),
		fmt.Sprintf("REPO_OWNER=%s", inv.RepoOwner),
		fmt.Sprintf("REPO_NAME=%s", inv.RepoName),
		fmt.Sprintf("ISSUE_NUMBER=%d", inv.IssueNumber),
	}
	if inv.Model != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("AGENT_MODEL=%s", inv.Model))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("opening agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("opening agent stdout: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: starting agent: %v", task.ErrAgentCrashed, err)
	}

	if _, err := stdin.Write([]byte(inv.Prompt)); err != nil {
		log.With("error", err).Warn("Failed writing prompt to agent stdin")
	}
	stdin.Close()

	idleTimeout := inv.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}

	lines := make(chan string)
	scanDone := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanDone <- scanner.Err()
	}()

	var (
		tail       bytes.Buffer
		final      record
		gotFinal   bool
		seq        int64
		executionID = fmt.Sprintf("%s-%s-%d", inv.RepoOwner, inv.RepoName, inv.IssueNumber)
	)

readLoop:
	for {
		idleTimer := time.NewTimer(idleTimeout)
		select {
		case line, ok := <-lines:
			idleTimer.Stop()
			if !ok {
				break readLoop
			}
			if tail.Len() < maxBufferedBytes {
				tail.WriteString(line)
				tail.WriteByte('\n')
			}
			seq++
			rec, detail, ok := parseRecord(executionID, seq, line)
			if !ok {
				continue
			}
			if rec.Type == recordFinal {
				final = rec
				gotFinal = true
			}
			if rec.Type == recordToolUse {
				toolCallMetrics.RecordToolCall(runCtx, inv.Model, rec.ToolName,
					attribute.String("repo", fmt.Sprintf("%s/%s", inv.RepoOwner, inv.RepoName)),
					attribute.Int("issue", inv.IssueNumber))
			}
			if sink != nil {
				sink(detail)
			}

		case <-idleTimer.C:
			_ = killProcessGroup(cmd)
			return Result{RawStdoutTail: tail.String()}, fmt.Errorf("%w: no output for %s", task.ErrAgentStalled, idleTimeout)

		case <-runCtx.Done():
			idleTimer.Stop()
			_ = killProcessGroup(cmd)
			return Result{RawStdoutTail: tail.String()}, fmt.Errorf("%w: %v", task.ErrTimedOut, runCtx.Err())
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		return Result{RawStdoutTail: tail.String()}, fmt.Errorf("%w: %v: %s", task.ErrAgentCrashed, waitErr, stderrBuf.String())
	}
	if !gotFinal {
		return Result{RawStdoutTail: tail.String()}, fmt.Errorf("%w: agent exited without a final record", task.ErrAgentCrashed)
	}
	if !final.Success {
		return Result{Success: false, RawStdoutTail: tail.String()}, fmt.Errorf("agent reported failure: %s", final.Error)
	}

	return Result{
		Success:    true,
		NumTurns:   final.NumTurns,
		CostUSD:    final.CostUSD,
		FinalTodos: final.Todos,
		CommitMessage: final.CommitMessage,
		RawStdoutTail: tail.String(),
	}, nil
}

func parseRecord(executionID string, seq int64, line string) (record, task.ExecutionDetail, bool) {
	var rec record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return record{}, task.ExecutionDetail{}, false
	}

	detail := task.ExecutionDetail{
		ExecutionID: executionID,
		Seq:         seq,
		Timestamp:   time.Now(),
	}
	switch rec.Type {
	case recordThought:
		detail.EventType = task.DetailThought
		detail.Content = rec.Content
	case recordToolUse:
		detail.EventType = task.DetailToolUse
		detail.ToolName = rec.ToolName
		detail.ToolInput = rec.ToolInput
	case recordToolResult:
		detail.EventType = task.DetailToolResult
		detail.Result = rec.Result
		detail.IsError = rec.IsError
	default:
		return rec, task.ExecutionDetail{}, rec.Type == recordFinal // final carries no detail row
	}
	return rec, detail, true
}

// killProcessGroup terminates the agent and any children it spawned.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
