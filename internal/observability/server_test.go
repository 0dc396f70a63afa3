// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, ready ReadinessChecker) (*Server, <-chan error) {
	t.Helper()
	s := NewServer("127.0.0.1:0", ready)
	errCh, err := s.Start()
	require.NoError(t, err)
	require.NotEmpty(t, s.Addr())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, errCh
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + s.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s, _ := startServer(t, nil)

	code, body := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "go_")
	assert.Contains(t, body, "process_")

	s.Metrics().RecordCapabilityDenied("echo", "submit")
	s.Metrics().RecordCapabilityDenied("echo", "submit")
	s.Metrics().RecordJob("echo", "dispatch", OutcomeCompleted, time.Millisecond)
	s.Metrics().RecordSubmit("reply", OutcomeOK)

	_, body = get(t, s, "/metrics")
	assert.Contains(t, body, `composebot_capability_denied_total{function="submit",plugin="echo"} 2`)
	assert.Contains(t, body, `composebot_jobs_total{kind="dispatch",outcome="completed",plugin="echo"} 1`)
	assert.Contains(t, body, `composebot_submit_total{outcome="ok",route="reply"} 1`)
}

func TestServer_Probes(t *testing.T) {
	tests := []struct {
		name      string
		ready     ReadinessChecker
		wantCode  int
		wantReady string
	}{
		{"nil checker", nil, http.StatusOK, "ok"},
		{"ready", func() bool { return true }, http.StatusOK, "ok"},
		{"not ready", func() bool { return false }, http.StatusServiceUnavailable, "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := startServer(t, tt.ready)

			code, body := get(t, s, "/healthz/liveness")
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, "ok", strings.TrimSpace(body))

			code, body = get(t, s, "/healthz/readiness")
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantReady, strings.TrimSpace(body))
		})
	}
}

func TestServer_Status(t *testing.T) {
	s, _ := startServer(t, nil)

	code, _ := get(t, s, "/status")
	assert.Equal(t, http.StatusNotFound, code)

	s.SetStatus(func() any {
		return map[string]int{"instances": 2}
	})
	code, body := get(t, s, "/status")
	require.Equal(t, http.StatusOK, code)

	var got map[string]int
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, 2, got["instances"])
}

func TestServer_Lifecycle(t *testing.T) {
	t.Run("double start fails", func(t *testing.T) {
		s, _ := startServer(t, nil)
		_, err := s.Start()
		assert.Error(t, err)
	})

	t.Run("stop without start", func(t *testing.T) {
		s := NewServer("127.0.0.1:0", nil)
		assert.NoError(t, s.Stop(context.Background()))
		assert.Empty(t, s.Addr())
	})

	t.Run("bad address", func(t *testing.T) {
		s := NewServer("256.0.0.1:-1", nil)
		_, err := s.Start()
		assert.Error(t, err)
	})
}

func TestServer_ErrorChannel(t *testing.T) {
	t.Run("serve failure is reported", func(t *testing.T) {
		s, errCh := startServer(t, nil)
		require.NoError(t, s.listener.Close())

		select {
		case err := <-errCh:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("serve error not reported")
		}
	})

	t.Run("closes on shutdown", func(t *testing.T) {
		s := NewServer("127.0.0.1:0", nil)
		errCh, err := s.Start()
		require.NoError(t, err)
		require.NoError(t, s.Stop(context.Background()))

		select {
		case err, ok := <-errCh:
			assert.False(t, ok && err != nil, "unexpected error %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("error channel not closed")
		}
	})
}
