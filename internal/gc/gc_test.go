// SPDX-License-Identifier: MIT

package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/gc"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/testutil"
)

func newService(b *broker.Broker) *gc.Service {
	return gc.New(b, event.NewPublisher(b), config.NewProvider(b))
}

func seedActive(t *testing.T, b *broker.Broker, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.SAdd(ctx, keys.SessionsActive, id))
	_, err := b.HSetNX(ctx, keys.SessionStatus(id), keys.StatusQueuedAt, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)
}

func readTerminated(t *testing.T, b *broker.Broker) []event.SessionTerminatedPayload {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, event.SessionTerminated.Name, "test"))
	msgs, err := b.ReadGroup(ctx, event.SessionTerminated.Name, "test", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)
	out := make([]event.SessionTerminatedPayload, 0, len(msgs))
	for _, msg := range msgs {
		var payload event.SessionTerminatedPayload
		require.NoError(t, event.Decode(msg, &payload))
		out = append(out, payload)
	}
	return out
}

func TestReapsSessionsWithoutHeartbeats(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := context.Background()
	svc := newService(b)

	seedActive(t, b, "dead-1")
	seedActive(t, b, "held-by-manager")
	seedActive(t, b, "held-by-node")
	require.NoError(t, b.Set(ctx, keys.SessionHeartbeatManager("held-by-manager"), "1", time.Minute))
	require.NoError(t, b.Set(ctx, keys.SessionHeartbeatNode("held-by-node"), "1", time.Minute))

	require.NoError(t, svc.RunOnce(ctx))

	active, err := b.SMembers(ctx, keys.SessionsActive)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"held-by-manager", "held-by-node"}, active)

	terminated := readTerminated(t, b)
	require.Len(t, terminated, 1)
	assert.Equal(t, "dead-1", terminated[0].ID)
	assert.Equal(t, event.ReasonTerminatedExternally, terminated[0].Reason.Kind)
}

func TestReapIsIdempotent(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := context.Background()
	svc := newService(b)

	seedActive(t, b, "dead-1")
	require.NoError(t, svc.RunOnce(ctx))
	require.NoError(t, svc.RunOnce(ctx))

	// The second pass finds the session already terminated and stays quiet.
	assert.Len(t, readTerminated(t, b), 1)
}

func TestRetentionPurgesOldSessions(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := context.Background()
	svc := newService(b)

	old := "old-session"
	fresh := "fresh-session"
	for _, id := range []string{old, fresh} {
		require.NoError(t, b.SAdd(ctx, keys.SessionsTerminated, id))
		require.NoError(t, b.HSet(ctx, keys.SessionMetadata(id), map[string]string{"suite": "login"}))
	}
	stale := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	recent := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	_, err := b.HSetNX(ctx, keys.SessionStatus(old), keys.StatusTerminatedAt, stale)
	require.NoError(t, err)
	_, err = b.HSetNX(ctx, keys.SessionStatus(fresh), keys.StatusTerminatedAt, recent)
	require.NoError(t, err)

	require.NoError(t, svc.RunOnce(ctx))

	terminated, err := b.SMembers(ctx, keys.SessionsTerminated)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, terminated)

	gone, err := b.Exists(ctx, keys.SessionMetadata(old))
	require.NoError(t, err)
	assert.False(t, gone)
	kept, err := b.Exists(ctx, keys.SessionMetadata(fresh))
	require.NoError(t, err)
	assert.True(t, kept)
}

func TestRetentionSettingOverride(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := context.Background()
	svc := newService(b)

	// With a one-hour retention, a two-hour-old record is purged.
	require.NoError(t, b.Set(ctx, keys.Setting(config.SettingRetention), "1h", 0))
	id := "two-hours-old"
	require.NoError(t, b.SAdd(ctx, keys.SessionsTerminated, id))
	stamp := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	_, err := b.HSetNX(ctx, keys.SessionStatus(id), keys.StatusTerminatedAt, stamp)
	require.NoError(t, err)

	require.NoError(t, svc.RunOnce(ctx))

	terminated, err := b.SMembers(ctx, keys.SessionsTerminated)
	require.NoError(t, err)
	assert.Empty(t, terminated)
}

func TestPurgesDeadProvisioners(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := context.Background()
	svc := newService(b)

	for _, id := range []string{"dead", "beating", "retained"} {
		require.NoError(t, b.SAdd(ctx, keys.Orchestrators, id))
		require.NoError(t, b.Set(ctx, keys.OrchestratorPlatformName(id), "linux", 0))
	}
	require.NoError(t, b.Set(ctx, keys.OrchestratorHeartbeat("beating"), "1", time.Minute))
	require.NoError(t, b.Set(ctx, keys.OrchestratorRetain("retained"), "1", 0))

	require.NoError(t, svc.RunOnce(ctx))

	remaining, err := b.SMembers(ctx, keys.Orchestrators)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"beating", "retained"}, remaining)

	gone, err := b.Exists(ctx, keys.OrchestratorPlatformName("dead"))
	require.NoError(t, err)
	assert.False(t, gone)
	kept, err := b.Exists(ctx, keys.OrchestratorPlatformName("retained"))
	require.NoError(t, err)
	assert.True(t, kept)
}
