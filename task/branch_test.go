/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package task

import (
	"testing"
	"time"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"simple", "Fix login redirect", "fix-login-redirect"},
		{"punctuation", "Fix login: redirect!!", "fix-login-redirect"},
		{"empty", "", "issue"},
		{"only punctuation", "!!!", "issue"},
		{"truncated", "this title is extremely long and will be truncated to thirty", "this-title-is-extremely-long-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slug(tt.title, maxSlugLen)
			if got != tt.want {
				t.Errorf("Slug(%q) = %q, want %q", tt.title, got, tt.want)
			}
			if len(got) > maxSlugLen {
				t.Errorf("Slug(%q) length %d exceeds max %d", tt.title, len(got), maxSlugLen)
			}
		})
	}
}

func TestBranchName_MatchesPattern(t *testing.T) {
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	name, err := BranchName(42, "Fix login redirect", now, "")
	if err != nil {
		t.Fatalf("BranchName() error = %v", err)
	}
	if !BranchPattern.MatchString(name) {
		t.Errorf("BranchName() = %q, does not match %s", name, BranchPattern)
	}

	withModel, err := BranchName(42, "Fix login redirect", now, "claude-opus")
	if err != nil {
		t.Fatalf("BranchName() error = %v", err)
	}
	if !BranchPattern.MatchString(withModel) {
		t.Errorf("BranchName() with model = %q, does not match %s", withModel, BranchPattern)
	}
}

func TestBranchName_Deterministic_ExceptRandomSuffix(t *testing.T) {
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	name, err := BranchName(42, "Fix login redirect", now, "")
	if err != nil {
		t.Fatalf("BranchName() error = %v", err)
	}
	want := "ai-fix/42-fix-login-redirect-20240115-"
	if len(name) <= len(want) || name[:len(want)] != want {
		t.Errorf("BranchName() = %q, want prefix %q", name, want)
	}
}
