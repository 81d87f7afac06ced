/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config implements the Config Loader (spec.md C1): it reads the
// settings document (repos to monitor + Settings) from a source and
// refreshes it on a background interval, always exposing the last-valid
// snapshot even when a refresh fails validation.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/integry/gitfix/task"
	"gopkg.in/yaml.v3"
)

// DefaultRefreshInterval is how often the Loader re-reads its source.
const DefaultRefreshInterval = 5 * time.Minute

// Document is the on-disk/remote settings document shape (spec.md §6).
type Document struct {
	ReposToMonitor []task.RepoConfig `json:"repos_to_monitor" yaml:"repos_to_monitor"`
	Settings       task.Settings     `json:"settings" yaml:"settings"`
	PRLabel        string            `json:"pr_label" yaml:"pr_label"`
	PrimaryLabels  []string          `json:"primary_processing_labels" yaml:"primary_processing_labels"`
	FollowupKeywords []string        `json:"followup_keywords" yaml:"followup_keywords"`
}

// Snapshot is an atomically-swappable, immutable configuration view.
type Snapshot struct {
	Repos    []task.RepoConfig
	Settings task.Settings
}

// Source reads the raw settings document bytes (and a content-type hint:
// "json" or "yaml", inferred from extension when read from a file).
type Source interface {
	Read(ctx context.Context) (data []byte, format string, err error)
}

// FileSource reads the document from a local path, refreshed each poll.
// This stands in for the "auxiliary git repository" storage spec.md
// explicitly places out of scope (§1) -- only the document schema is
// part of the contract.
type FileSource struct {
	Path string
}

func (f FileSource) Read(_ context.Context) ([]byte, string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, "", err
	}
	format := "json"
	if ext := filepath.Ext(f.Path); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
	}
	return data, format, nil
}

// EnvDefaults supplies process-environment fallbacks for fields the
// document omits (spec.md §4.1 "Missing fields fall back to
// process-environment defaults").
type EnvDefaults struct {
	WorkerConcurrency int
}

// Loader owns the current Snapshot and refreshes it on a timer.
type Loader struct {
	source       Source
	envDefaults  EnvDefaults
	interval     time.Duration
	current      atomic.Pointer[Snapshot]
}

// New constructs a Loader and performs an initial synchronous load. The
// initial load must succeed -- there is no "last-good" before the first
// attempt.
func New(ctx context.Context, source Source, envDefaults EnvDefaults) (*Loader, error) {
	l := &Loader{
		source:      source,
		envDefaults: envDefaults,
		interval:    DefaultRefreshInterval,
	}
	snap, err := l.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	l.current.Store(snap)
	return l, nil
}

// LoadAll returns the current atomic snapshot (spec.md §4.1 loadAll()).
func (l *Loader) LoadAll() *Snapshot {
	return l.current.Load()
}

// Run refreshes the snapshot every interval until ctx is cancelled. Failed
// refreshes log a warning and keep the last-good snapshot in place
// (spec.md §4.1, §7 ConfigInvalid).
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	log := clog.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := l.load(ctx)
			if err != nil {
				log.With("error", err).Warn("Config refresh failed, keeping last-good snapshot")
				continue
			}
			l.current.Store(snap)
			log.Info("Config refreshed")
		}
	}
}

func (l *Loader) load(ctx context.Context) (*Snapshot, error) {
	data, format, err := l.source.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading config source: %w", err)
	}

	var doc Document
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config document: %w", err)
	}

	settings := doc.Settings
	if settings.PRLabel == "" {
		settings.PRLabel = doc.PRLabel
	}
	if len(settings.PrimaryLabels) == 0 {
		settings.PrimaryLabels = doc.PrimaryLabels
	}
	if len(settings.FollowupKeywords) == 0 {
		settings.FollowupKeywords = doc.FollowupKeywords
	}

	// Open Question (i): fold the deprecated scalar into the list on
	// first load if the list is still empty. Never written back.
	if len(settings.PrimaryLabels) == 0 && settings.AIPrimaryTag != "" {
		settings.PrimaryLabels = []string{settings.AIPrimaryTag}
	}

	if settings.WorkerConcurrency == 0 && l.envDefaults.WorkerConcurrency > 0 {
		settings.WorkerConcurrency = l.envDefaults.WorkerConcurrency
	}

	if err := settings.Validate(doc.ReposToMonitor); err != nil {
		return nil, err
	}

	return &Snapshot{Repos: doc.ReposToMonitor, Settings: settings}, nil
}

// EnabledRepos returns only the repos marked enabled (spec.md §3 RepoConfig
// invariant).
func (s *Snapshot) EnabledRepos() []task.RepoConfig {
	out := make([]task.RepoConfig, 0, len(s.Repos))
	for _, r := range s.Repos {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
