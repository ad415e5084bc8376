// SPDX-License-Identifier: MIT

package gangway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/gangway"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/testutil"
)

type noBeats struct{}

func (noBeats) AddBeat(string, time.Duration, time.Duration) {}
func (noBeats) StopBeat(string)                              {}

func newService(t *testing.T, b *broker.Broker) *gangway.Service {
	t.Helper()
	svc, err := gangway.New(b, b, noBeats{}, event.NewPublisher(b), config.NewProvider(b), "gw-1")
	require.NoError(t, err)
	return svc
}

// awaitCreated blocks until the gangway publishes session.created and
// returns the allocated id.
func awaitCreated(t *testing.T, b *broker.Broker) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, event.SessionCreated.Name, "test"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := b.ReadGroup(ctx, event.SessionCreated.Name, "test", "c", 1, 50*time.Millisecond)
		require.NoError(t, err)
		if len(msgs) > 0 {
			var payload event.SessionCreatedPayload
			require.NoError(t, event.Decode(msgs[0], &payload))
			return payload.ID
		}
	}
	t.Fatal("no session.created event observed")
	return ""
}

// resolve feeds a lifecycle event through the correlator the way its
// consumer would.
func resolve(t *testing.T, b *broker.Broker, svc *gangway.Service, queue event.Queue, payload any) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, queue.Name, "feeder"))
	require.NoError(t, event.NewPublisher(b).Publish(ctx, queue, payload))
	msgs, err := b.ReadGroup(ctx, queue.Name, "feeder", "c", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	switch queue.Name {
	case event.SessionOperational.Name:
		require.NoError(t, svc.Correlator().HandleOperational(ctx, msgs[0]))
	default:
		require.NoError(t, svc.Correlator().HandleTerminated(ctx, msgs[0]))
	}
}

func postSession(srv *httptest.Server) (*http.Response, error) {
	body := `{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`
	return srv.Client().Post(srv.URL+"/session", "application/json", strings.NewReader(body))
}

func TestCreateCorrelatesOperational(t *testing.T) {
	_, b := testutil.Redis(t)
	svc := newService(t, b)
	srv := httptest.NewServer(svc.Router())
	defer srv.Close()

	type result struct {
		res *http.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := postSession(srv)
		done <- result{res, err}
	}()

	id := awaitCreated(t, b)
	resolve(t, b, svc, event.SessionOperational, event.SessionOperationalPayload{
		ID:                 id,
		ActualCapabilities: json.RawMessage(`{"browserName":"chrome","browserVersion":"99.0"}`),
	})

	r := <-done
	require.NoError(t, r.err)
	defer r.res.Body.Close()
	require.Equal(t, http.StatusOK, r.res.StatusCode)

	var envelope struct {
		Value struct {
			SessionID    string          `json:"sessionId"`
			Capabilities json.RawMessage `json:"capabilities"`
		} `json:"value"`
	}
	require.NoError(t, json.NewDecoder(r.res.Body).Decode(&envelope))
	assert.Equal(t, id, envelope.Value.SessionID)
	assert.Contains(t, string(envelope.Value.Capabilities), "99.0")

	// The record shape matches the synchronous frontdoor's.
	ctx := context.Background()
	queued, err := b.HGet(ctx, keys.SessionStatus(id), keys.StatusQueuedAt)
	require.NoError(t, err)
	assert.NotEmpty(t, queued)
	alive, err := b.HGet(ctx, keys.SessionStatus(id), keys.StatusAliveAt)
	require.NoError(t, err)
	assert.NotEmpty(t, alive)
	caps, err := b.HGet(ctx, keys.SessionCapabilities(id), keys.CapsRequested)
	require.NoError(t, err)
	assert.Contains(t, caps, "chrome")
	active, err := b.SIsMember(ctx, keys.SessionsActive, id)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestCreateCorrelatesTermination(t *testing.T) {
	_, b := testutil.Redis(t)
	svc := newService(t, b)
	srv := httptest.NewServer(svc.Router())
	defer srv.Close()

	done := make(chan *http.Response, 1)
	go func() {
		res, err := postSession(srv)
		if err == nil {
			done <- res
		}
	}()

	id := awaitCreated(t, b)
	resolve(t, b, svc, event.SessionTerminated, event.SessionTerminatedPayload{
		ID:     id,
		Reason: event.StartupFailed(fmt.Errorf("image pull failed")),
	})

	res := <-done
	defer res.Body.Close()
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)

	var envelope struct {
		Value struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"value"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&envelope))
	assert.Equal(t, "sessionNotCreated", envelope.Value.Error)
	assert.Contains(t, envelope.Value.Message, "image pull failed")
}

func TestCreateRejectsMalformedRequest(t *testing.T) {
	_, b := testutil.Redis(t)
	svc := newService(t, b)
	srv := httptest.NewServer(svc.Router())
	defer srv.Close()

	res, err := srv.Client().Post(srv.URL+"/session", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestOutcomeForUnknownSessionIgnored(t *testing.T) {
	_, b := testutil.Redis(t)
	svc := newService(t, b)

	resolve(t, b, svc, event.SessionOperational, event.SessionOperationalPayload{
		ID:                 "never-requested",
		ActualCapabilities: json.RawMessage(`{}`),
	})
	assert.Zero(t, svc.Correlator().Waiting())
}

func TestCorrelatorBoundsWaiters(t *testing.T) {
	correlator, err := gangway.NewCorrelator()
	require.NoError(t, err)

	for i := 0; i < 5000; i++ {
		correlator.Await(fmt.Sprintf("session-%d", i))
	}
	assert.Equal(t, 4096, correlator.Waiting())

	correlator.Forget("session-4999")
	assert.Equal(t, 4095, correlator.Waiting())
}
