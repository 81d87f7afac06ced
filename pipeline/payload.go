/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/integry/gitfix/githubclient"
)

// Job kinds, set by the discovery daemon when it enqueues work
// (spec.md §4.4/§4.5).
const (
	KindIssue      = "issue"
	KindPRFollowup = "pr_followup"
)

// IssuePayload is the taskqueue.Job.Payload shape for a KindIssue job.
type IssuePayload struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	Number        int    `json:"number"`
	PrimaryLabel  string `json:"primaryLabel"`
	CorrelationID string `json:"correlationId"`
}

// Encode converts p into the map[string]any shape taskqueue.Job.Payload
// expects, tagging it with KindIssue.
func (p IssuePayload) Encode() (map[string]any, error) {
	m, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	m["kind"] = KindIssue
	return m, nil
}

// PRFollowupPayload is the taskqueue.Job.Payload shape for a
// KindPRFollowup job (spec.md §8 scenario 4).
type PRFollowupPayload struct {
	Owner         string                 `json:"owner"`
	Repo          string                 `json:"repo"`
	PRNumber      int                    `json:"prNumber"`
	Branch        string                 `json:"branch"`
	Comments      []githubclient.Comment `json:"comments"`
	CorrelationID string                 `json:"correlationId"`
}

// Encode converts p into the map[string]any shape taskqueue.Job.Payload
// expects, tagging it with KindPRFollowup.
func (p PRFollowupPayload) Encode() (map[string]any, error) {
	m, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	m["kind"] = KindPRFollowup
	return m, nil
}

func decodePayload(payload map[string]any, out any) error {
	// payload was produced by json.Marshal/Unmarshal inside taskqueue.Store,
	// so round-tripping it through the same encoding is the simplest way to
	// populate a concrete struct without hand-rolling type assertions for
	// every field (numbers arrive as float64, nested slices as []any).
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshaling payload: %w", err)
	}
	return nil
}

func encodePayload(in any) (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	return out, nil
}

func payloadKind(payload map[string]any) string {
	if k, ok := payload["kind"].(string); ok {
		return k
	}
	return ""
}
