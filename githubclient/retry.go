/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"github.com/integry/gitfix/task"
)

// RetryPolicy implements the backoff classification from spec.md §4.2 /
// §7: Transient errors back off exponentially, RateLimited sleeps until
// the reset header and retries once, AuthFailure refreshes the
// installation token once then fails.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
	MaxJitter  float64
	MaxAttempts int
}

// DefaultRetryPolicy matches spec.md §4.2: base 500ms, factor 2, cap 30s,
// jitter +/-20%, 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		MaxJitter:   0.2,
		MaxAttempts: 5,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * pow(p.Factor, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := 1 + (rand.Float64()*2-1)*p.MaxJitter
	return time.Duration(d * jitter)
}

func pow(base, exp float64) float64 {
	out := 1.0
	for i := 0; i < int(exp); i++ {
		out *= base
	}
	return out
}

// do runs fn with the gateway's retry policy, classifying the returned
// error by sentinel to decide whether/how to retry.
func (g *Gateway) do(ctx context.Context, op string, fn func() error) error {
	log := clog.FromContext(ctx)
	var lastErr error
	refreshedAuth := false
	rateLimited := false

	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, task.ErrRateLimited):
			if rateLimited {
				return err
			}
			rateLimited = true
			wait := rateLimitWait(err)
			log.With("op", op, "wait", wait).Warn("GitHub rate limited, sleeping until reset")
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue

		case errors.Is(err, task.ErrAuthFailure):
			if refreshedAuth || g.transport == nil {
				return err
			}
			refreshedAuth = true
			if _, _, rerr := g.InstallationToken(ctx); rerr != nil {
				return fmt.Errorf("refreshing installation token: %w", rerr)
			}
			continue

		case errors.Is(err, task.ErrTransient):
			wait := g.retry.delay(attempt)
			log.With("op", op, "attempt", attempt, "wait", wait).Warn("Transient GitHub error, retrying")
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue

		default:
			// Permanent classification (NotFound, ValidationFailed, etc.):
			// do not retry.
			return err
		}
	}
	return fmt.Errorf("%s: exhausted %d attempts: %w", op, g.retry.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// rateLimitErr carries the server's reset time for a 403/429 response.
type rateLimitErr struct {
	resetAt time.Time
	err     error
}

func (e *rateLimitErr) Error() string { return e.err.Error() }
func (e *rateLimitErr) Unwrap() error { return e.err }

func rateLimitWait(err error) time.Duration {
	var rl *rateLimitErr
	if errors.As(err, &rl) {
		if wait := time.Until(rl.resetAt); wait > 0 {
			return wait + time.Second
		}
	}
	return time.Minute
}

// classifyResponse maps a go-github response/error pair to the sentinel
// error kinds in spec.md §7.
func classifyResponse(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return &rateLimitErr{resetAt: rlErr.Rate.Reset.Time, err: fmt.Errorf("%w: %v", task.ErrRateLimited, err)}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		resetAt := time.Now().Add(time.Minute)
		if abuseErr.RetryAfter != nil {
			resetAt = time.Now().Add(*abuseErr.RetryAfter)
		}
		return &rateLimitErr{resetAt: resetAt, err: fmt.Errorf("%w: %v", task.ErrRateLimited, err)}
	}

	if resp == nil {
		// Network-level failure (DNS, connection reset, timeout): transient.
		return fmt.Errorf("%w: %v", task.ErrTransient, err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", task.ErrAuthFailure, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", task.ErrPermanentNotFound, err)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", task.ErrValidationFailed, err)
	case http.StatusTooManyRequests:
		return &rateLimitErr{resetAt: time.Now().Add(time.Minute), err: fmt.Errorf("%w: %w", task.ErrRateLimited, err)}
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", task.ErrTransient, err)
	}
	return err
}
