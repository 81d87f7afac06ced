/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package taskqueue implements the Task Queue (spec.md C4): a durable,
// Redis-backed FIFO queue with per-job idempotency, delayed scheduling,
// retry-with-backoff, a dead-letter sink, and concurrency-limited
// dispatch. The dispatch-loop shape (slot-limited launch, orphan requeue,
// non-retriable short-circuit) is adapted from the teacher's
// workqueue/dispatcher.HandleAsync; the storage substrate is Redis
// (github.com/redis/go-redis/v9), grounded on the go-redis usage found
// across the retrieval pack's other manifests.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job is a single unit of queued work (spec.md §4.4).
type Job struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId"`
	Payload     map[string]any `json:"payload"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
	Progress    int            `json:"progress"`
}

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	// Delay schedules the job to become ready after this duration.
	Delay time.Duration
	// MaxAttempts overrides the store's default retry budget.
	MaxAttempts int
}

// ErrDuplicateJob is returned by Enqueue when jobID already exists;
// callers should treat it as success (spec.md §4.4 idempotency).
var ErrDuplicateJob = errors.New("taskqueue: job already enqueued")

// Store is a Redis-backed durable queue for a single named queue.
type Store struct {
	rdb             redis.UniversalClient
	name            string
	defaultAttempts int
	leaseTTL        time.Duration
}

// NewStore constructs a Store. name namespaces all Redis keys so multiple
// queues (issue fixes, PR follow-up batches) can share one Redis instance.
func NewStore(rdb redis.UniversalClient, name string) *Store {
	return &Store{rdb: rdb, name: name, defaultAttempts: 3, leaseTTL: 10 * time.Minute}
}

func (s *Store) key(parts ...string) string {
	k := "gitfix:queue:" + s.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) waitingKey() string    { return s.key("waiting") }
func (s *Store) delayedKey() string    { return s.key("delayed") }
func (s *Store) processingKey() string { return s.key("processing") }
func (s *Store) deadKey() string       { return s.key("dead") }
func (s *Store) jobKey(id string) string { return s.key("job", id) }

// Enqueue adds a new job under jobID. If a job under jobID is still
// stored (waiting, delayed, leased or dead-lettered) this is a no-op
// returning ErrDuplicateJob, satisfying the idempotency contract of
// spec.md §4.4. Complete deletes a job, so a completed jobID can be
// enqueued again.
func (s *Store) Enqueue(ctx context.Context, jobID string, taskID string, payload map[string]any, opts EnqueueOptions) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaultAttempts
	}
	job := Job{
		ID:          jobID,
		TaskID:      taskID,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", jobID, err)
	}

	created, err := s.rdb.HSetNX(ctx, s.jobKey(jobID), "data", data).Result()
	if err != nil {
		return fmt.Errorf("creating job %s: %w", jobID, err)
	}
	if !created {
		return ErrDuplicateJob
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		return s.rdb.ZAdd(ctx, s.delayedKey(), redis.Z{Score: readyAt, Member: jobID}).Err()
	}
	return s.rdb.RPush(ctx, s.waitingKey(), jobID).Err()
}

// promoteDelayed moves delayed jobs whose ready time has passed into the
// waiting list.
func (s *Store) promoteDelayed(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	ids, err := s.rdb.ZRangeByScore(ctx, s.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("scanning delayed jobs: %w", err)
	}
	for _, id := range ids {
		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, s.delayedKey(), id)
		pipe.RPush(ctx, s.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promoting delayed job %s: %w", id, err)
		}
	}
	return nil
}

// sweepOrphans requeues jobs whose processing lease has expired without a
// Complete/Requeue/Deadletter call -- the worker that claimed them is
// presumed dead (spec.md §4.4, adapted from the teacher's
// QueuedKey.IsOrphaned() check).
func (s *Store) sweepOrphans(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	ids, err := s.rdb.ZRangeByScore(ctx, s.processingKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("scanning processing jobs: %w", err)
	}
	for _, id := range ids {
		if err := s.rdb.ZRem(ctx, s.processingKey(), id).Err(); err != nil {
			return err
		}
		if err := s.rdb.RPush(ctx, s.waitingKey(), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Claim pops up to n ready jobs and leases them for leaseTTL.
func (s *Store) Claim(ctx context.Context, n int) ([]Job, error) {
	if err := s.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	if err := s.sweepOrphans(ctx); err != nil {
		return nil, err
	}

	var jobs []Job
	for i := 0; i < n; i++ {
		id, err := s.rdb.LPop(ctx, s.waitingKey()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return jobs, fmt.Errorf("claiming job: %w", err)
		}

		job, err := s.get(ctx, id)
		if err != nil {
			continue // job hash vanished (manually obliterated); skip
		}
		lease := float64(time.Now().Add(s.leaseTTL).UnixMilli())
		if err := s.rdb.ZAdd(ctx, s.processingKey(), redis.Z{Score: lease, Member: id}).Err(); err != nil {
			return jobs, fmt.Errorf("leasing job %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) get(ctx context.Context, id string) (Job, error) {
	data, err := s.rdb.HGet(ctx, s.jobKey(id), "data").Result()
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return Job{}, fmt.Errorf("unmarshaling job %s: %w", id, err)
	}
	return job, nil
}

// Complete removes a successfully processed job.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.processingKey(), jobID)
	pipe.Del(ctx, s.jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue schedules jobID for another attempt after delay, incrementing its
// attempt counter. If the job has exhausted maxAttempts it is deadlettered
// instead and ErrDuplicateJob-style success semantics apply (no error).
func (s *Store) Requeue(ctx context.Context, jobID string, delay time.Duration) error {
	job, err := s.get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("requeue: loading job %s: %w", jobID, err)
	}
	job.Attempts++

	if job.Attempts >= job.MaxAttempts {
		return s.deadletter(ctx, job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("requeue: marshaling job %s: %w", jobID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.processingKey(), jobID)
	pipe.HSet(ctx, s.jobKey(jobID), "data", data)
	if delay > 0 {
		pipe.ZAdd(ctx, s.delayedKey(), redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, s.waitingKey(), jobID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Deadletter moves jobID directly to the dead-letter set, bypassing
// remaining attempts (used for NonRetriableError failures).
func (s *Store) Deadletter(ctx context.Context, jobID string) error {
	job, err := s.get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("deadletter: loading job %s: %w", jobID, err)
	}
	return s.deadletter(ctx, job)
}

func (s *Store) deadletter(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.processingKey(), job.ID)
	pipe.HSet(ctx, s.jobKey(job.ID), "data", data)
	pipe.RPush(ctx, s.deadKey(), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateProgress sets a job's progress percentage (spec.md §4.4
// updateProgress, 0-100).
func (s *Store) UpdateProgress(ctx context.Context, jobID string, pct int) error {
	job, err := s.get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("progress: loading job %s: %w", jobID, err)
	}
	job.Progress = pct
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.jobKey(jobID), "data", data).Err()
}

// Drain stops new jobs from being claimed by moving all waiting and
// delayed jobs out of the active lists; jobs already leased continue to
// completion (spec.md §4.4 admin drain()).
func (s *Store) Drain(ctx context.Context) (int64, error) {
	var moved int64
	for {
		id, err := s.rdb.LPop(ctx, s.waitingKey()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, err
		}
		if err := s.rdb.RPush(ctx, s.key("drained"), id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	delayed, err := s.rdb.ZRange(ctx, s.delayedKey(), 0, -1).Result()
	if err != nil {
		return moved, err
	}
	for _, id := range delayed {
		if err := s.rdb.ZRem(ctx, s.delayedKey(), id).Err(); err != nil {
			return moved, err
		}
		if err := s.rdb.RPush(ctx, s.key("drained"), id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Obliterate deletes every key belonging to this queue, including
// in-flight and dead-lettered jobs (spec.md §4.4 admin obliterate()).
func (s *Store) Obliterate(ctx context.Context) error {
	ids, err := s.rdb.Keys(ctx, s.key("*")).Result()
	if err != nil {
		return fmt.Errorf("listing queue keys: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, ids...).Err()
}

// NewJobID derives a stable per-task idempotency key so re-enqueuing the
// same logical unit of work (e.g. on discovery re-poll) collapses onto the
// existing job instead of creating a duplicate.
func NewJobID(taskID string) string {
	return taskID
}

// NewCorrelationID mints a fresh random identifier for request tracing
// where no natural key exists (spec.md §3 Ref.CorrelationID).
func NewCorrelationID() string {
	return uuid.NewString()
}
