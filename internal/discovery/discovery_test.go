// SPDX-License-Identifier: MIT

package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid/webgrid/internal/discovery"
	"github.com/webgrid/webgrid/internal/testutil"
)

func TestDescriptorSerialization(t *testing.T) {
	assert.Equal(t, "manager", discovery.Manager().String())
	assert.Equal(t, "node:abc-123", discovery.Node("abc-123").String())
	assert.Equal(t, discovery.Storage("s1"), discovery.ParseDescriptor("storage:s1"))
	assert.Equal(t, "sd-node:abc-123", discovery.QueryChannel(discovery.Node("abc-123")))
}

func TestLookupViaPassiveCache(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	d, err := discovery.NewDiscoverer(b)
	require.NoError(t, err)
	go func() { _ = d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	adv := discovery.NewAdvertiser(b, discovery.Node("sess-1"), "10.1.2.3:40003")
	go func() { _ = adv.Run(ctx) }()

	// The unsolicited announcement lands in the passive cache; the lookup
	// then needs no query round-trip.
	var ep discovery.Endpoint
	require.Eventually(t, func() bool {
		ep, err = d.Lookup(ctx, discovery.Node("sess-1"))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "10.1.2.3:40003", ep.Addr)
}

func TestLookupViaActiveQuery(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	// Advertiser comes up first, before any discoverer is listening, so
	// the discoverer's cache is cold and only the query path can succeed.
	adv := discovery.NewAdvertiser(b, discovery.Manager(), "10.9.9.9:40001")
	go func() { _ = adv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	d, err := discovery.NewDiscoverer(b)
	require.NoError(t, err)
	go func() { _ = d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	ep, err := d.Lookup(ctx, discovery.Manager())
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9:40001", ep.Addr)
}

func TestLookupRetriesExceeded(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	d, err := discovery.NewDiscoverer(b)
	require.NoError(t, err)
	go func() { _ = d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err = d.Lookup(ctx, discovery.Node("nobody-home"))
	assert.ErrorIs(t, err, discovery.ErrRetriesExceeded)
	// Four attempts of 500ms each.
	assert.GreaterOrEqual(t, time.Since(start), 1900*time.Millisecond)
}

func TestUnreachableEvictsEndpoint(t *testing.T) {
	_, b := testutil.Redis(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	d, err := discovery.NewDiscoverer(b)
	require.NoError(t, err)
	go func() { _ = d.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	adv := discovery.NewAdvertiser(b, discovery.Storage("st-1"), "10.0.0.1:40006")
	advCtx, stopAdv := context.WithCancel(ctx)
	go func() { _ = adv.Run(advCtx) }()

	var ep discovery.Endpoint
	require.Eventually(t, func() bool {
		ep, err = d.Lookup(ctx, discovery.Storage("st-1"))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	// Stop the advertiser, flag the endpoint dead: the next lookup must
	// fall back to the query path and exhaust its retries.
	stopAdv()
	time.Sleep(50 * time.Millisecond)
	ep.Unreachable()

	lookupCtx, lookupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer lookupCancel()
	_, err = d.Lookup(lookupCtx, discovery.Storage("st-1"))
	assert.Error(t, err)
}
