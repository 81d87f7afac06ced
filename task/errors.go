/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package task

import "errors"

// Classified error kinds shared across components (spec.md §7). These are
// sentinel values; call sites wrap them with fmt.Errorf("...: %w", Err...)
// and callers compare with errors.Is.
var (
	ErrTransient          = errors.New("transient error")
	ErrRateLimited        = errors.New("rate limited")
	ErrAuthFailure        = errors.New("auth failure")
	ErrValidationFailed   = errors.New("validation failed")
	ErrConfigInvalid      = errors.New("config invalid")
	ErrNoChanges          = errors.New("no changes")
	ErrSkipped            = errors.New("skipped")
	ErrAgentCrashed       = errors.New("agent crashed")
	ErrAgentStalled       = errors.New("agent stalled")
	ErrTimedOut           = errors.New("timed out")
	ErrNotFound           = errors.New("not found")
	ErrPermanentNotFound  = errors.New("permanent not found")
)
