/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/integry/gitfix/task"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := github.NewClient(srv.Client())
	baseURL, err := client.BaseURL.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL
	return NewWithClients(client, nil), srv
}

func TestAddLabel_IdempotentOnSuccess(t *testing.T) {
	gw, srv := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})
	defer srv.Close()

	err := gw.AddLabel(context.Background(), "acme", "web", 1, "ai-fix")
	require.NoError(t, err)
}

func TestRemoveLabel_NotFoundIsSuccess(t *testing.T) {
	gw, srv := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"not found"}`))
	})
	defer srv.Close()

	err := gw.RemoveLabel(context.Background(), "acme", "web", 1, "ai-fix")
	require.NoError(t, err, "removing an absent label must be idempotent success")
}

func TestGetBranch_NotFoundMapsToErrNotFound(t *testing.T) {
	gw, srv := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"not found"}`))
	})
	defer srv.Close()

	_, err := gw.GetBranch(context.Background(), "acme", "web", "ai-fix/1-x")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	defer srv.Close()
	gw.retry = RetryPolicy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3}

	attempts := 0
	err := gw.do(context.Background(), "test_op", func() error {
		attempts++
		if attempts < 2 {
			return task.ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestDo_DoesNotRetryPermanentErrors(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	defer srv.Close()
	gw.retry = RetryPolicy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := gw.do(context.Background(), "test_op", func() error {
		attempts++
		return task.ErrValidationFailed
	})
	require.ErrorIs(t, err, task.ErrValidationFailed)
	require.Equal(t, 1, attempts)
}

func TestDo_AuthFailureWithoutTransportFailsFast(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	defer srv.Close()
	gw.retry = RetryPolicy{MaxAttempts: 5}

	attempts := 0
	err := gw.do(context.Background(), "test_op", func() error {
		attempts++
		return task.ErrAuthFailure
	})
	// No installation transport configured in this test gateway, so do
	// returns the auth error at once without attempting a token refresh.
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestTokenSource_PropagatesInstallationTokenError(t *testing.T) {
	gw, srv := newTestGateway(t, nil)
	defer srv.Close()

	_, err := gw.TokenSource(context.Background()).Token()
	require.ErrorIs(t, err, task.ErrAuthFailure)
}
