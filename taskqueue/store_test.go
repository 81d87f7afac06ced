/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, "test")
}

func TestEnqueue_IsIdempotentOnJobID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(ctx, "acme-web-42", "acme-web-42", nil, EnqueueOptions{}))
	err := s.Enqueue(ctx, "acme-web-42", "acme-web-42", nil, EnqueueOptions{})
	require.ErrorIs(t, err, ErrDuplicateJob)

	jobs, err := s.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestClaim_PromotesDelayedJobsWhenReady(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(ctx, "job-1", "task-1", nil, EnqueueOptions{Delay: time.Hour}))
	jobs, err := s.Claim(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, jobs, "job not yet due should not be claimable")

	require.NoError(t, s.Enqueue(ctx, "job-2", "task-2", nil, EnqueueOptions{Delay: time.Millisecond}))
	time.Sleep(20 * time.Millisecond)
	jobs, err = s.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-2", jobs[0].ID)
}

func TestRequeue_DeadlettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(ctx, "job-1", "task-1", nil, EnqueueOptions{MaxAttempts: 2}))
	jobs, err := s.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, s.Requeue(ctx, "job-1", 0))
	jobs, err = s.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 1, jobs[0].Attempts)

	require.NoError(t, s.Requeue(ctx, "job-1", 0))
	jobs, err = s.Claim(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, jobs, "job should be dead-lettered, not re-claimable")

	dead, err := s.rdb.LRange(ctx, s.deadKey(), 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, dead)
}

func TestObliterate_RemovesAllQueueKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(ctx, "job-1", "task-1", nil, EnqueueOptions{}))
	require.NoError(t, s.Obliterate(ctx))

	keys, err := s.rdb.Keys(ctx, s.key("*")).Result()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDispatcher_CompletesSuccessfulJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := newTestStore(t)
	require.NoError(t, s.Enqueue(ctx, "job-1", "task-1", nil, EnqueueOptions{}))

	d := NewDispatcher(s, 2)
	d.pollInterval = 10 * time.Millisecond

	handled := make(chan string, 1)
	go d.Run(ctx, func(_ context.Context, job Job) error {
		handled <- job.ID
		return nil
	})

	select {
	case id := <-handled:
		require.Equal(t, "job-1", id)
	case <-ctx.Done():
		t.Fatal("timed out waiting for job to be handled")
	}
}

func TestDispatcher_NonRetriableErrorDeadlettersImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := newTestStore(t)
	require.NoError(t, s.Enqueue(ctx, "job-1", "task-1", nil, EnqueueOptions{MaxAttempts: 5}))

	d := NewDispatcher(s, 1)
	d.pollInterval = 10 * time.Millisecond

	done := make(chan struct{})
	go d.Run(ctx, func(_ context.Context, job Job) error {
		defer close(done)
		return NonRetriableError(context.DeadlineExceeded, "unrecoverable")
	})

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for handler")
	}

	// give the dispatcher a moment to process the outcome after the handler returns
	time.Sleep(50 * time.Millisecond)
	dead, err := s.rdb.LRange(context.Background(), s.deadKey(), 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, dead)
}
