// SPDX-License-Identifier: MIT

package broker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/testutil"
)

func TestKVHashAndSets(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := t.Context()

	ok, err := b.HSetNX(ctx, "h", "queuedAt", "first")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.HSetNX(ctx, "h", "queuedAt", "second")
	require.NoError(t, err)
	assert.False(t, ok, "HSETNX must not overwrite")
	val, err := b.HGet(ctx, "h", "queuedAt")
	require.NoError(t, err)
	assert.Equal(t, "first", val)

	missing, err := b.HGet(ctx, "h", "absent")
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, b.SAdd(ctx, "s", "a", "b"))
	member, err := b.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, member)
	require.NoError(t, b.SRem(ctx, "s", "a"))
	members, err := b.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestBLPopTimeout(t *testing.T) {
	_, b := testutil.Redis(t)

	_, _, err := b.BLPop(t.Context(), 50*time.Millisecond, "empty")
	assert.ErrorIs(t, err, broker.ErrTimeout)
}

func TestBLPopDelivers(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := t.Context()

	require.NoError(t, b.RPush(ctx, "q1", "v1"))
	key, val, err := b.BLPop(ctx, time.Second, "q0", "q1")
	require.NoError(t, err)
	assert.Equal(t, "q1", key)
	assert.Equal(t, "v1", val)
}

func TestBRPopLPushSelfMarker(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := t.Context()

	require.NoError(t, b.RPush(ctx, "mark", "prov-1"))
	val, err := b.BRPopLPush(ctx, "mark", "mark", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "prov-1", val)

	// The marker survives the pop, so later observers still see the owner.
	head, ok, err := b.LIndex(ctx, "mark", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "prov-1", head)
}

func TestStreamsGroupDelivery(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := t.Context()

	require.NoError(t, b.EnsureGroup(ctx, "evt", "g"))
	require.NoError(t, b.EnsureGroup(ctx, "evt", "g"), "ensure must be idempotent")

	id, err := b.Append(ctx, "evt", 100, map[string]any{"id": "s-1", "kind": "created"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := b.ReadGroup(ctx, "evt", "g", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "s-1", msgs[0].Values["id"])

	require.NoError(t, b.Ack(ctx, "evt", "g", msgs[0].ID))

	// Nothing new to read once acknowledged.
	msgs, err = b.ReadGroup(ctx, "evt", "g", "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCounter(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx := t.Context()

	val, err := b.CounterValue(ctx, "bytes")
	require.NoError(t, err)
	assert.Zero(t, val)

	val, err = b.IncrBy(ctx, "bytes", 4096)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, val)
	val, err = b.CounterValue(ctx, "bytes")
	require.NoError(t, err)
	assert.EqualValues(t, 4096, val)
}
