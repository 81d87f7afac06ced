/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package taskqueue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// Handler processes a single claimed job. Returning nil completes it;
// returning an error wrapped with NonRetriableError deadletters it
// immediately; any other error requeues it with backoff (or the delay from
// RequeueAfter, if present) until MaxAttempts is exhausted.
type Handler func(ctx context.Context, job Job) error

// Dispatcher runs a concurrency-limited claim/handle loop against a Store.
// The slot-limited launch and per-job outcome handling mirror the
// teacher's workqueue/dispatcher.HandleAsync, retargeted at a Redis-backed
// Store instead of an in-memory/gRPC queue.
type Dispatcher struct {
	store       *Store
	concurrency int
	pollInterval time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewDispatcher constructs a Dispatcher with worker concurrency from
// spec.md §4.4/§5 (default WORKER_CONCURRENCY).
func NewDispatcher(store *Store, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		store:        store,
		concurrency:  concurrency,
		pollInterval: time.Second,
		baseBackoff:  2 * time.Second,
		maxBackoff:   time.Minute,
	}
}

// Run claims and dispatches jobs until ctx is cancelled, never running more
// than d.concurrency handlers at once.
func (d *Dispatcher) Run(ctx context.Context, handle Handler) {
	log := clog.FromContext(ctx)
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}

		openSlots := d.concurrency - len(sem)
		if openSlots <= 0 {
			continue
		}
		jobs, err := d.store.Claim(ctx, openSlots)
		if err != nil {
			log.With("error", err).Error("Claiming jobs failed")
			continue
		}

		for _, job := range jobs {
			sem <- struct{}{}
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				defer func() { <-sem }()
				d.runOne(ctx, handle, job)
			}(job)
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, handle Handler, job Job) {
	log := clog.FromContext(ctx).With("job_id", job.ID, "task_id", job.TaskID)

	err := handle(ctx, job)
	if err == nil {
		if cerr := d.store.Complete(ctx, job.ID); cerr != nil {
			log.With("error", cerr).Error("Failed to mark job complete")
		}
		return
	}

	if IsNonRetriable(err) {
		log.With("error", err).Warn("Job failed non-retriably, dead-lettering")
		if derr := d.store.Deadletter(ctx, job.ID); derr != nil {
			log.With("error", derr).Error("Failed to dead-letter job")
		}
		return
	}

	delay, explicit := explicitDelay(err)
	if !explicit {
		delay = d.backoff(job.Attempts)
	}
	log.With("error", err, "attempt", job.Attempts+1, "delay", delay).Warn("Job failed, requeuing")
	if rerr := d.store.Requeue(ctx, job.ID, delay); rerr != nil && !errors.Is(rerr, context.Canceled) {
		log.With("error", rerr).Error("Failed to requeue job")
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.baseBackoff
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= d.maxBackoff {
			base = d.maxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 5))
	return base + jitter
}
