// SPDX-License-Identifier: MIT

package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/scheduler"
	"github.com/webgrid/webgrid/internal/testutil"
)

// fakeRequestor answers match requests in-process so tests control the
// responder set precisely.
type fakeRequestor struct {
	replies [][]byte
	err     error
}

func (f *fakeRequestor) Request(_ context.Context, _ string, _ []byte, _ int, _, _ time.Duration) ([][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.replies, nil
}

func matchReply(t *testing.T, provisioner string) []byte {
	t.Helper()
	raw, err := json.Marshal(event.MatchResponse{Provisioner: provisioner, PlatformName: "linux"})
	require.NoError(t, err)
	return raw
}

func createdMessage(t *testing.T, b *broker.Broker, id, caps string) broker.Message {
	t.Helper()
	ctx := context.Background()
	pub := event.NewPublisher(b)
	require.NoError(t, b.EnsureGroup(ctx, event.SessionCreated.Name, "test"))
	require.NoError(t, pub.Publish(ctx, event.SessionCreated, event.SessionCreatedPayload{
		ID:           id,
		Capabilities: json.RawMessage(caps),
	}))
	msgs, err := b.ReadGroup(ctx, event.SessionCreated.Name, "test", "c", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func readOne[T any](t *testing.T, b *broker.Broker, queue event.Queue) (T, bool) {
	t.Helper()
	ctx := context.Background()
	var payload T
	require.NoError(t, b.EnsureGroup(ctx, queue.Name, "reader"))
	msgs, err := b.ReadGroup(ctx, queue.Name, "reader", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)
	if len(msgs) == 0 {
		return payload, false
	}
	require.NoError(t, event.Decode(msgs[0], &payload))
	return payload, true
}

func TestScheduleHappyPath(t *testing.T) {
	_, b := testutil.Redis(t)
	req := &fakeRequestor{replies: [][]byte{matchReply(t, "prov-1")}}
	svc := scheduler.New(b, req, event.NewPublisher(b), scheduler.Options{Instance: "s1"})

	const id = "11111111-1111-1111-1111-111111111111"
	msg := createdMessage(t, b, id, `{"alwaysMatch":{"browserName":"chrome"}}`)
	require.NoError(t, svc.HandleCreated(t.Context(), msg))

	job, ok := readOne[event.ProvisioningJobPayload](t, b, event.ProvisioningAssigned("prov-1"))
	require.True(t, ok)
	assert.Equal(t, id, job.SessionID)

	scheduled, ok := readOne[event.SessionScheduledPayload](t, b, event.SessionScheduled)
	require.True(t, ok)
	assert.Equal(t, "prov-1", scheduled.Provisioner)

	stamp, err := b.HGet(t.Context(), keys.SessionStatus(id), keys.StatusScheduledAt)
	require.NoError(t, err)
	assert.NotEmpty(t, stamp)
}

func TestDuplicateDeliveryAssignsOnce(t *testing.T) {
	_, b := testutil.Redis(t)
	req := &fakeRequestor{replies: [][]byte{matchReply(t, "prov-1")}}
	svc := scheduler.New(b, req, event.NewPublisher(b), scheduler.Options{Instance: "s1"})

	const id = "22222222-2222-2222-2222-222222222222"
	msg := createdMessage(t, b, id, `{"alwaysMatch":{"browserName":"chrome"}}`)
	require.NoError(t, svc.HandleCreated(t.Context(), msg))
	require.NoError(t, svc.HandleCreated(t.Context(), msg))

	ctx := context.Background()
	queue := event.ProvisioningAssigned("prov-1")
	require.NoError(t, b.EnsureGroup(ctx, queue.Name, "reader"))
	msgs, err := b.ReadGroup(ctx, queue.Name, "reader", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "duplicate delivery must not assign twice")
}

func TestNoProvisionerRejectsSoftly(t *testing.T) {
	_, b := testutil.Redis(t)
	req := &fakeRequestor{err: broker.ErrNoResponders}
	svc := scheduler.New(b, req, event.NewPublisher(b), scheduler.Options{Instance: "s1"})

	const id = "33333333-3333-3333-3333-333333333333"
	msg := createdMessage(t, b, id, `{"alwaysMatch":{"browserName":"safari"}}`)
	require.NoError(t, svc.HandleCreated(t.Context(), msg), "soft failure must ack")

	terminated, ok := readOne[event.SessionTerminatedPayload](t, b, event.SessionTerminated)
	require.True(t, ok)
	assert.Equal(t, id, terminated.ID)
	assert.Equal(t, event.ReasonStartupFailed, terminated.Reason.Kind)
	assert.Contains(t, terminated.Reason.Error, "no provisioner")
}

func TestBrokerFailureSurfacesForRestart(t *testing.T) {
	_, b := testutil.Redis(t)
	boom := errors.New("connection lost")
	req := &fakeRequestor{err: boom}
	svc := scheduler.New(b, req, event.NewPublisher(b), scheduler.Options{Instance: "s1"})

	msg := createdMessage(t, b, "44444444-4444-4444-4444-444444444444",
		`{"alwaysMatch":{"browserName":"chrome"}}`)
	err := svc.HandleCreated(t.Context(), msg)
	assert.ErrorIs(t, err, boom)
}

func TestRequiredMetadataEnforced(t *testing.T) {
	_, b := testutil.Redis(t)
	req := &fakeRequestor{replies: [][]byte{matchReply(t, "prov-1")}}
	svc := scheduler.New(b, req, event.NewPublisher(b), scheduler.Options{
		Instance:         "s1",
		RequiredMetadata: []string{"project", "build"},
	})

	const id = "55555555-5555-5555-5555-555555555555"
	msg := createdMessage(t, b, id,
		`{"alwaysMatch":{"browserName":"chrome","webgrid:options":{"metadata":{"project":"x"}}}}`)
	require.NoError(t, svc.HandleCreated(t.Context(), msg))

	terminated, ok := readOne[event.SessionTerminatedPayload](t, b, event.SessionTerminated)
	require.True(t, ok)
	assert.Contains(t, terminated.Reason.Error, "build")

	_, assigned := readOne[event.ProvisioningJobPayload](t, b, event.ProvisioningAssigned("prov-1"))
	assert.False(t, assigned)
}

func TestMetadataForwarded(t *testing.T) {
	_, b := testutil.Redis(t)
	req := &fakeRequestor{replies: [][]byte{matchReply(t, "prov-1")}}
	svc := scheduler.New(b, req, event.NewPublisher(b), scheduler.Options{Instance: "s1"})

	const id = "66666666-6666-6666-6666-666666666666"
	msg := createdMessage(t, b, id,
		`{"alwaysMatch":{"browserName":"chrome","webgrid:options":{"metadata":{"project":"webgrid"}}}}`)
	require.NoError(t, svc.HandleCreated(t.Context(), msg))

	modified, ok := readOne[event.SessionMetadataModifiedPayload](t, b, event.SessionMetadataModified)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"project": "webgrid"}, modified.Metadata)
}
