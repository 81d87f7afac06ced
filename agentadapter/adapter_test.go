/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package agentadapter

import (
	"context"
	"testing"
	"time"

	"github.com/integry/gitfix/task"
	"github.com/stretchr/testify/require"
)

func TestRun_CollectsDetailsAndFinalResult(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
echo '{"type":"thought","content":"looking at the issue"}'
echo '{"type":"tool_use","tool_name":"grep","tool_input":{"pattern":"foo"}}'
echo '{"type":"tool_result","result":"ok"}'
echo '{"type":"final","success":true,"num_turns":3,"cost_usd":0.02}'
`
	a := New()
	var details []task.ExecutionDetail
	res, err := a.Run(context.Background(), Invocation{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		WorkDir: t.TempDir(),
		Prompt:  "fix the bug",
		RepoOwner: "acme", RepoName: "web", IssueNumber: 1,
	}, func(d task.ExecutionDetail) { details = append(details, d) })

	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.NumTurns)
	require.Len(t, details, 3)
	require.Equal(t, task.DetailThought, details[0].EventType)
	require.Equal(t, task.DetailToolUse, details[1].EventType)
	require.Equal(t, "grep", details[1].ToolName)
}

func TestRun_AgentReportedFailure(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
echo '{"type":"final","success":false,"error":"could not apply patch"}'
`
	a := New()
	res, err := a.Run(context.Background(), Invocation{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		WorkDir: t.TempDir(),
	}, nil)

	require.Error(t, err)
	require.False(t, res.Success)
	require.Contains(t, err.Error(), "could not apply patch")
}

func TestRun_NoFinalRecordIsAgentCrashed(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
echo '{"type":"thought","content":"stuck"}'
`
	a := New()
	_, err := a.Run(context.Background(), Invocation{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		WorkDir: t.TempDir(),
	}, nil)

	require.ErrorIs(t, err, task.ErrAgentCrashed)
}

func TestRun_IdleTimeoutKillsProcess(t *testing.T) {
	script := `#!/bin/sh
cat >/dev/null
sleep 5
echo '{"type":"final","success":true}'
`
	a := New()
	_, err := a.Run(context.Background(), Invocation{
		Command:     "/bin/sh",
		Args:        []string{"-c", script},
		WorkDir:     t.TempDir(),
		IdleTimeout: 50 * time.Millisecond,
	}, nil)

	require.ErrorIs(t, err, task.ErrAgentStalled)
}
