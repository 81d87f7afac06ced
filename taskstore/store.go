/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package taskstore implements the Task State Store (spec.md C6): an
// append-only history of task state transitions and agent execution
// detail, plus live pub/sub broadcast of log/diff/status events for
// observers. Backed by Redis (github.com/redis/go-redis/v9), following
// the same storage substrate chosen for taskqueue. The execution-detail
// shape (tool-call start/result pairing) is grounded on the teacher's
// agents/agenttrace.Trace/ToolCall sequencing.
package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/integry/gitfix/task"
	"github.com/redis/go-redis/v9"
)

// Store persists task history and live execution state in Redis.
type Store struct {
	rdb redis.UniversalClient
	// OutputRetention is how long an execution record is kept; task
	// history and detail streams are not expired
	// (spec.md §4.6: outputs >= 7 days, event history indefinite).
	OutputRetention time.Duration
}

// New constructs a Store with the default 7-day output retention.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, OutputRetention: 7 * 24 * time.Hour}
}

func taskKey(id string) string    { return "gitfix:task:" + id }
func historyKey(id string) string { return "gitfix:task:" + id + ":history" }
func execKey(id string) string    { return "gitfix:exec:" + id }
func detailKey(execID string) string { return "gitfix:exec:" + execID + ":details" }
func liveKey(id string) string    { return "gitfix:task:" + id + ":live" }
func heartbeatKey(daemonID string) string { return "gitfix:heartbeat:" + daemonID }
func lastCommentKey(owner, repo string, prNumber int) string {
	return fmt.Sprintf("gitfix:pr-comment-cursor:%s:%s:%d", owner, repo, prNumber)
}

const (
	chanLog    = "gitfix:task-log"
	chanDiff   = "gitfix:task-diff"
	chanStatus = "gitfix:task-status"
)

// CreateTask records a new task's identity (spec.md §4.6 createTask()).
func (s *Store) CreateTask(ctx context.Context, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling task %s: %w", t.TaskID, err)
	}
	return s.rdb.HSet(ctx, taskKey(t.TaskID), "data", data).Err()
}

// GetTask returns the stored task record.
func (s *Store) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	data, err := s.rdb.HGet(ctx, taskKey(taskID), "data").Result()
	if err != nil {
		return task.Task{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return task.Task{}, fmt.Errorf("unmarshaling task %s: %w", taskID, err)
	}
	return t, nil
}

// AppendEvent appends a state-transition event to a task's history and
// publishes it on the task-status channel. Events within 1 second of the
// most recent event carrying the same state are treated as duplicates and
// dropped (spec.md §4.6 idempotency on (taskId, state, timestamp)).
func (s *Store) AppendEvent(ctx context.Context, ev task.HistoryEvent) error {
	last, err := s.lastEvent(ctx, ev.TaskID)
	if err == nil && last.State == ev.State && ev.Timestamp.Sub(last.Timestamp) < time.Second {
		return nil
	}

	ev.HistoryID = time.Now().UnixNano()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", ev.TaskID, err)
	}
	if err := s.rdb.RPush(ctx, historyKey(ev.TaskID), data).Err(); err != nil {
		return fmt.Errorf("appending event for %s: %w", ev.TaskID, err)
	}
	return s.rdb.Publish(ctx, chanStatus, data).Err()
}

func (s *Store) lastEvent(ctx context.Context, taskID string) (task.HistoryEvent, error) {
	data, err := s.rdb.LIndex(ctx, historyKey(taskID), -1).Result()
	if err != nil {
		return task.HistoryEvent{}, err
	}
	var ev task.HistoryEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return task.HistoryEvent{}, err
	}
	return ev, nil
}

// GetHistory returns the full ordered event history for a task.
func (s *Store) GetHistory(ctx context.Context, taskID string) ([]task.HistoryEvent, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", taskID, err)
	}
	out := make([]task.HistoryEvent, 0, len(raw))
	for _, r := range raw {
		var ev task.HistoryEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ListTasks returns every task ID known to the store, in no particular
// order.
func (s *Store) ListTasks(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, "gitfix:task:*").Result()
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	var ids []string
	for _, k := range keys {
		if len(k) > len("gitfix:task:") && k[len(k)-len(":history"):] != ":history" && k[len(k)-len(":live"):] != ":live" {
			ids = append(ids, k[len("gitfix:task:"):])
		}
	}
	return ids, nil
}

// RecordExecutionStart opens a new agent execution record (spec.md §4.6
// recordExecutionStart()).
func (s *Store) RecordExecutionStart(ctx context.Context, rec task.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", rec.ExecutionID, err)
	}
	return s.rdb.HSet(ctx, execKey(rec.ExecutionID), "data", data).Err()
}

// RecordExecutionEnd closes an execution record with its final outcome.
func (s *Store) RecordExecutionEnd(ctx context.Context, rec task.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", rec.ExecutionID, err)
	}
	if err := s.rdb.HSet(ctx, execKey(rec.ExecutionID), "data", data).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, execKey(rec.ExecutionID), s.OutputRetention).Err()
}

// AppendExecutionDetail appends a thought/tool-use/tool-result event to an
// execution's detail stream and publishes it for live observers
// (spec.md §4.6 appendExecutionDetail()).
func (s *Store) AppendExecutionDetail(ctx context.Context, d task.ExecutionDetail) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling detail for %s: %w", d.ExecutionID, err)
	}
	if err := s.rdb.RPush(ctx, detailKey(d.ExecutionID), data).Err(); err != nil {
		return fmt.Errorf("appending detail for %s: %w", d.ExecutionID, err)
	}

	var channel string
	switch d.EventType {
	case task.DetailToolUse, task.DetailToolResult:
		channel = chanDiff
	default:
		channel = chanLog
	}
	return s.rdb.Publish(ctx, channel, data).Err()
}

// GetExecutionDetails returns an execution's full detail stream in order.
func (s *Store) GetExecutionDetails(ctx context.Context, executionID string) ([]task.ExecutionDetail, error) {
	raw, err := s.rdb.LRange(ctx, detailKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading details for %s: %w", executionID, err)
	}
	out := make([]task.ExecutionDetail, 0, len(raw))
	for _, r := range raw {
		var d task.ExecutionDetail
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// LiveSnapshot is the current-state view served to observers: the task's
// state and todo list (spec.md §4.6). No current-task field or recent
// event list is kept in it.
type LiveSnapshot struct {
	TaskID  string      `json:"taskId"`
	State   task.State  `json:"state"`
	Todos   []task.Todo `json:"todos"`
	Updated time.Time   `json:"updated"`
}

// SetLiveSnapshot replaces the live-details snapshot for a task.
func (s *Store) SetLiveSnapshot(ctx context.Context, snap LiveSnapshot) error {
	snap.Updated = time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", snap.TaskID, err)
	}
	return s.rdb.Set(ctx, liveKey(snap.TaskID), data, time.Hour).Err()
}

// GetLiveSnapshot returns the current live-details snapshot for a task, if
// any agent execution is in flight.
func (s *Store) GetLiveSnapshot(ctx context.Context, taskID string) (LiveSnapshot, bool, error) {
	data, err := s.rdb.Get(ctx, liveKey(taskID)).Result()
	if err == redis.Nil {
		return LiveSnapshot{}, false, nil
	}
	if err != nil {
		return LiveSnapshot{}, false, fmt.Errorf("loading snapshot for %s: %w", taskID, err)
	}
	var snap LiveSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return LiveSnapshot{}, false, err
	}
	return snap, true, nil
}

// Heartbeat is the discovery daemon's liveness record (spec.md §4.5 step 1).
type Heartbeat struct {
	DaemonID  string    `json:"daemonId"`
	PID       int       `json:"pid"`
	Uptime    time.Duration `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Repos     []string  `json:"repos"`
}

// WriteHeartbeat records a discovery daemon's liveness with a TTL of
// 2x the caller's polling interval (spec.md §4.5 step 1).
func (s *Store) WriteHeartbeat(ctx context.Context, hb Heartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat for %s: %w", hb.DaemonID, err)
	}
	return s.rdb.Set(ctx, heartbeatKey(hb.DaemonID), data, ttl).Err()
}

// RemoveHeartbeat deletes a daemon's heartbeat record, used on graceful
// shutdown (spec.md §4.5 cancellation).
func (s *Store) RemoveHeartbeat(ctx context.Context, daemonID string) error {
	return s.rdb.Del(ctx, heartbeatKey(daemonID)).Err()
}

// GetLastHandledCommentAt returns the cursor timestamp for the most
// recently handled comment on a PR, and whether one has been recorded yet
// (spec.md §4.5 step 5).
func (s *Store) GetLastHandledCommentAt(ctx context.Context, owner, repo string, prNumber int) (time.Time, bool, error) {
	data, err := s.rdb.Get(ctx, lastCommentKey(owner, repo, prNumber)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("loading comment cursor for %s/%s#%d: %w", owner, repo, prNumber, err)
	}
	t, err := time.Parse(time.RFC3339Nano, data)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing comment cursor for %s/%s#%d: %w", owner, repo, prNumber, err)
	}
	return t, true, nil
}

// SetLastHandledCommentAt persists the timestamp of the newest comment
// seen on a PR, the cursor for the next follow-up scan (spec.md §4.5
// step 5).
func (s *Store) SetLastHandledCommentAt(ctx context.Context, owner, repo string, prNumber int, at time.Time) error {
	return s.rdb.Set(ctx, lastCommentKey(owner, repo, prNumber), at.Format(time.RFC3339Nano), 30*24*time.Hour).Err()
}

// SubscribeStatus returns a pub/sub subscription to task-status events.
func (s *Store) SubscribeStatus(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, chanStatus)
}

// SubscribeLog returns a pub/sub subscription to task-log events.
func (s *Store) SubscribeLog(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, chanLog)
}

// SubscribeDiff returns a pub/sub subscription to task-diff (tool
// use/result) events.
func (s *Store) SubscribeDiff(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, chanDiff)
}
