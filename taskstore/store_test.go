/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/integry/gitfix/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in := task.Task{TaskID: "acme-web-1", Repository: "acme/web", IssueNumber: 1}
	require.NoError(t, s.CreateTask(ctx, in))

	got, err := s.GetTask(ctx, "acme-web-1")
	require.NoError(t, err)
	require.Equal(t, in.Repository, got.Repository)
}

func TestAppendEvent_DropsDuplicateWithinOneSecond(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.AppendEvent(ctx, task.HistoryEvent{TaskID: "t1", State: task.StateQueued, Timestamp: now}))
	require.NoError(t, s.AppendEvent(ctx, task.HistoryEvent{TaskID: "t1", State: task.StateQueued, Timestamp: now.Add(200 * time.Millisecond)}))

	hist, err := s.GetHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, hist, 1, "duplicate event within 1s window should be dropped")

	require.NoError(t, s.AppendEvent(ctx, task.HistoryEvent{TaskID: "t1", State: task.StateProcessing, Timestamp: now.Add(300 * time.Millisecond)}))
	hist, err = s.GetHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, hist, 2, "distinct state transition should always append")
}

func TestExecutionDetails_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendExecutionDetail(ctx, task.ExecutionDetail{ExecutionID: "e1", Seq: 1, EventType: task.DetailThought, Content: "thinking"}))
	require.NoError(t, s.AppendExecutionDetail(ctx, task.ExecutionDetail{ExecutionID: "e1", Seq: 2, EventType: task.DetailToolUse, ToolName: "grep"}))

	details, err := s.GetExecutionDetails(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, details, 2)
	require.Equal(t, task.DetailThought, details[0].EventType)
	require.Equal(t, task.DetailToolUse, details[1].EventType)
}

func TestLiveSnapshot_RoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetLiveSnapshot(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetLiveSnapshot(ctx, LiveSnapshot{TaskID: "t1", State: task.StateClaudeExecution, Todos: []task.Todo{{ID: "1", Status: "in_progress"}}}))
	snap, ok, err := s.GetLiveSnapshot(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StateClaudeExecution, snap.State)
	require.Len(t, snap.Todos, 1)
}
