/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memSource struct {
	mu     sync.Mutex
	data   []byte
	format string
}

func (m *memSource) Read(context.Context) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, m.format, nil
}

func (m *memSource) set(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = []byte(data)
}

const validDoc = `{
  "repos_to_monitor": [{"name": "acme/web", "enabled": true}],
  "settings": {"worker_concurrency": 4, "pr_label": "gitfix", "primary_processing_labels": ["AI"]}
}`

func TestNew_LoadsValidDocument(t *testing.T) {
	src := &memSource{data: []byte(validDoc), format: "json"}
	l, err := New(context.Background(), src, EnvDefaults{})
	require.NoError(t, err)

	snap := l.LoadAll()
	require.Len(t, snap.Repos, 1)
	require.Equal(t, "AI", snap.Settings.PrimaryLabels[0])
	require.Equal(t, 4, snap.Settings.WorkerConcurrency)
}

func TestNew_RejectsEmptyPrimaryLabels(t *testing.T) {
	src := &memSource{data: []byte(`{"settings": {"worker_concurrency": 1, "pr_label": "x"}}`), format: "json"}
	_, err := New(context.Background(), src, EnvDefaults{})
	require.Error(t, err)
}

func TestLoad_KeepsLastGoodOnRefreshFailure(t *testing.T) {
	src := &memSource{data: []byte(validDoc), format: "json"}
	l, err := New(context.Background(), src, EnvDefaults{})
	require.NoError(t, err)

	src.set(`{"settings": {"worker_concurrency": 0}}`) // invalid: no primary labels
	snap, loadErr := l.load(context.Background())
	require.Error(t, loadErr)
	require.Nil(t, snap)

	// LoadAll should still report the original valid snapshot.
	current := l.LoadAll()
	require.Equal(t, "AI", current.Settings.PrimaryLabels[0])
}

func TestLoad_DeprecatedScalarShim(t *testing.T) {
	src := &memSource{data: []byte(`{
		"repos_to_monitor": [{"name": "acme/web", "enabled": true}],
		"settings": {"worker_concurrency": 1, "pr_label": "gitfix", "ai_primary_tag": "AI"}
	}`), format: "json"}
	l, err := New(context.Background(), src, EnvDefaults{})
	require.NoError(t, err)
	require.Equal(t, []string{"AI"}, l.LoadAll().Settings.PrimaryLabels)
}

func TestSnapshot_EnabledRepos(t *testing.T) {
	src := &memSource{data: []byte(`{
		"repos_to_monitor": [
			{"name": "acme/web", "enabled": true},
			{"name": "acme/api", "enabled": false}
		],
		"settings": {"worker_concurrency": 1, "pr_label": "gitfix", "primary_processing_labels": ["AI"]}
	}`), format: "json"}
	l, err := New(context.Background(), src, EnvDefaults{})
	require.NoError(t, err)
	require.Len(t, l.LoadAll().EnabledRepos(), 1)
}
