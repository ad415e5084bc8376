// SPDX-License-Identifier: MIT

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/webgrid/webgrid/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBeatRefreshAndTTL(t *testing.T) {
	mr, b := testutil.Redis(t)
	e := newEngine(b, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	e.AddBeat("session:x:heartbeat.manager", 20*time.Millisecond, 100*time.Millisecond)
	waitFor(t, func() bool { return mr.Exists("session:x:heartbeat.manager") })

	ttl := mr.TTL("session:x:heartbeat.manager")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 100*time.Millisecond)

	// The value is a parseable timestamp.
	val, err := mr.Get("session:x:heartbeat.manager")
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, val)
	require.NoError(t, err)

	cancel()
	<-done
}

func TestConstantValueBeat(t *testing.T) {
	mr, b := testutil.Redis(t)
	e := newEngine(b, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	e.AddBeatValue("api:a1:heartbeat", "10.0.0.5:8080", 20*time.Millisecond, 100*time.Millisecond)
	waitFor(t, func() bool { return mr.Exists("api:a1:heartbeat") })
	val, err := mr.Get("api:a1:heartbeat")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:8080", val)

	cancel()
	<-done
}

func TestStopBeatExpiresKey(t *testing.T) {
	mr, b := testutil.Redis(t)
	e := newEngine(b, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	e.AddBeat("k", 20*time.Millisecond, 200*time.Millisecond)
	waitFor(t, func() bool { return mr.Exists("k") })

	e.StopBeat("k")
	waitFor(t, func() bool {
		ttl := mr.TTL("k")
		return ttl > 0 && ttl <= time.Second
	})
	mr.FastForward(time.Second)
	assert.False(t, mr.Exists("k"))

	cancel()
	<-done
}

func TestShutdownExpiresAllBeats(t *testing.T) {
	mr, b := testutil.Redis(t)
	e := newEngine(b, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	e.AddBeat("beat-1", 20*time.Millisecond, time.Minute)
	e.AddBeat("beat-2", 20*time.Millisecond, time.Minute)
	waitFor(t, func() bool { return mr.Exists("beat-1") && mr.Exists("beat-2") })

	cancel()
	<-done

	// Graceful termination leaves only short TTLs behind so peers never
	// classify the owner as alive past one second.
	for _, key := range []string{"beat-1", "beat-2"} {
		ttl := mr.TTL(key)
		assert.LessOrEqual(t, ttl, time.Second, key)
	}
	mr.FastForward(time.Second)
	assert.False(t, mr.Exists("beat-1"))
	assert.False(t, mr.Exists("beat-2"))
}

func TestExpireAfterClampedAboveRefresh(t *testing.T) {
	assert.Equal(t, 30*time.Second, expireEnsure(15*time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, expireEnsure(15*time.Second, 10*time.Second))
}
