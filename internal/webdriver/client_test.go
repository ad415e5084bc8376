// SPDX-License-Identifier: MIT

package webdriver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDriver(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var statusCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":{"ready":true}}`))
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		var req NewSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":{"sessionId":"internal-77","capabilities":{"browserName":"chrome","browserVersion":"99.0"}}}`))
	})
	mux.HandleFunc("POST /session/internal-77/window/rect", func(w http.ResponseWriter, r *http.Request) {
		var rect map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rect))
		assert.Equal(t, 1920, rect["width"])
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /session/internal-77", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &statusCalls
}

func TestClientSessionLifecycle(t *testing.T) {
	srv, _ := fakeDriver(t)
	c := NewClient(srv.URL)

	require.NoError(t, c.Status(t.Context()))

	val, err := c.NewSession(t.Context(), json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`))
	require.NoError(t, err)
	assert.Equal(t, "internal-77", val.SessionID)

	require.NoError(t, c.ResizeWindow(t.Context(), val.SessionID, 1920, 1080))
	require.NoError(t, c.DeleteSession(t.Context(), val.SessionID))
}

func TestAwaitReadyPollsUntilUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, NewClient(srv.URL).AwaitReady(ctx))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestAwaitReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 600*time.Millisecond)
	defer cancel()
	err := NewClient(srv.URL).AwaitReady(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver not ready")
}
