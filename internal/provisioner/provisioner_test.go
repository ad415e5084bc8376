// SPDX-License-Identifier: MIT

package provisioner_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/provisioner"
	"github.com/webgrid/webgrid/internal/provisioner/provider"
	"github.com/webgrid/webgrid/internal/testutil"
)

const (
	provID    = "prov-1"
	sessionID = "11111111-1111-1111-1111-111111111111"
)

type fakeProvider struct {
	mu         sync.Mutex
	containers map[string]provider.Container
	launched   []provider.Request
	launchErr  error
	seq        int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{containers: map[string]provider.Container{}}
}

func (f *fakeProvider) Provision(_ context.Context, req provider.Request) (provider.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return provider.Container{}, f.launchErr
	}
	f.seq++
	c := provider.Container{
		ID:        fmt.Sprintf("c-%d", f.seq),
		SessionID: req.SessionID,
		CreatedAt: time.Now(),
	}
	f.containers[c.ID] = c
	f.launched = append(f.launched, req)
	return c, nil
}

func (f *fakeProvider) Terminate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return errors.New("no such container")
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeProvider) List(_ context.Context) ([]provider.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeProvider) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launched)
}

type noBeats struct{}

func (noBeats) AddBeat(string, time.Duration, time.Duration) {}

func newService(t *testing.T, b *broker.Broker, prov provider.Provider, opts provisioner.Options) *provisioner.Service {
	t.Helper()
	if opts.ID == "" {
		opts.ID = provID
	}
	if opts.PlatformName == "" {
		opts.PlatformName = "linux"
	}
	if len(opts.Images) == 0 {
		opts.Images = []config.Image{
			{Name: "webgrid/node-chrome:99.0", Browser: "chrome::99.0"},
			{Name: "webgrid/node-firefox:132.0", Browser: "firefox::132.0"},
		}
	}
	if opts.SlotCapacity == 0 {
		opts.SlotCapacity = 3
	}
	svc, err := provisioner.New(b, b, b, event.NewPublisher(b), prov, config.NewProvider(b), noBeats{}, opts)
	require.NoError(t, err)
	return svc
}

func seedSession(t *testing.T, b *broker.Broker, id, caps string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, b.SAdd(ctx, keys.SessionsActive, id))
	if caps != "" {
		require.NoError(t, b.HSet(ctx, keys.SessionCapabilities(id), map[string]string{
			keys.CapsRequested: caps,
		}))
	}
}

func assignedMessage(t *testing.T, b *broker.Broker, id string) broker.Message {
	t.Helper()
	ctx := context.Background()
	queue := event.ProvisioningAssigned(provID)
	require.NoError(t, b.EnsureGroup(ctx, queue.Name, "test"))
	require.NoError(t, event.NewPublisher(b).Publish(ctx, queue, event.ProvisioningJobPayload{SessionID: id}))
	msgs, err := b.ReadGroup(ctx, queue.Name, "test", "c", 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func readTerminated(t *testing.T, b *broker.Broker) (event.SessionTerminatedPayload, bool) {
	t.Helper()
	ctx := context.Background()
	var payload event.SessionTerminatedPayload
	require.NoError(t, b.EnsureGroup(ctx, event.SessionTerminated.Name, "reader"))
	msgs, err := b.ReadGroup(ctx, event.SessionTerminated.Name, "reader", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)
	if len(msgs) == 0 {
		return payload, false
	}
	require.NoError(t, event.Decode(msgs[0], &payload))
	return payload, true
}

func TestRegisterMintsSlotsOnce(t *testing.T) {
	_, b := testutil.Redis(t)
	svc := newService(t, b, newFakeProvider(), provisioner.Options{SlotCapacity: 3})

	require.NoError(t, svc.Register(t.Context()))
	require.NoError(t, svc.Register(t.Context()))

	ctx := t.Context()
	slots, err := b.SMembers(ctx, keys.OrchestratorSlots(provID))
	require.NoError(t, err)
	assert.Len(t, slots, 3, "capacity must not inflate across restarts")

	available, err := b.LLen(ctx, keys.OrchestratorSlotsAvailable(provID))
	require.NoError(t, err)
	assert.EqualValues(t, 3, available)

	members, err := b.SMembers(ctx, keys.Orchestrators)
	require.NoError(t, err)
	assert.Contains(t, members, provID)

	browsers, err := b.SMembers(ctx, keys.OrchestratorBrowsers(provID))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"chrome::99.0", "firefox::132.0"}, browsers)
}

func TestRetainMarkerLapsesWithoutSweeps(t *testing.T) {
	mr, b := testutil.Redis(t)
	svc := newService(t, b, newFakeProvider(), provisioner.Options{})

	require.NoError(t, svc.Register(t.Context()))

	retain := keys.OrchestratorRetain(provID)
	require.True(t, mr.Exists(retain))
	assert.Greater(t, mr.TTL(retain), time.Hour,
		"a provisioner that stops sweeping must eventually become purgeable")

	// Each reclaim pass re-arms the window.
	mr.SetTTL(retain, time.Minute)
	require.NoError(t, svc.ReclaimPass(t.Context()))
	assert.Greater(t, mr.TTL(retain), time.Hour)
}

func TestHandleMatchConsentsAndDeclines(t *testing.T) {
	_, b := testutil.Redis(t)
	svc := newService(t, b, newFakeProvider(), provisioner.Options{})

	request := func(caps string) []byte {
		raw, err := json.Marshal(event.MatchRequest{Capabilities: json.RawMessage(caps)})
		require.NoError(t, err)
		return raw
	}

	reply, ok := svc.HandleMatch(t.Context(), request(`{"alwaysMatch":{"browserName":"chrome"}}`))
	require.True(t, ok)
	var res event.MatchResponse
	require.NoError(t, json.Unmarshal(reply, &res))
	assert.Equal(t, provID, res.Provisioner)
	assert.Equal(t, "linux", res.PlatformName)

	_, ok = svc.HandleMatch(t.Context(), request(`{"alwaysMatch":{"browserName":"safari"}}`))
	assert.False(t, ok, "unservable browser must stay silent")

	_, ok = svc.HandleMatch(t.Context(), request(`{"alwaysMatch":{"browserName":"chrome","platformName":"windows"}}`))
	assert.False(t, ok, "foreign platform must stay silent")
}

func TestMatchRoundTrip(t *testing.T) {
	_, b := testutil.Redis(t)
	svc := newService(t, b, newFakeProvider(), provisioner.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Respond(ctx, event.MatchQueue, svc.HandleMatch) }()

	payload, err := json.Marshal(event.MatchRequest{
		Capabilities: json.RawMessage(`{"alwaysMatch":{"browserName":"chrome"}}`),
	})
	require.NoError(t, err)

	// The responder subscribes asynchronously; retry until it is up.
	var replies [][]byte
	require.Eventually(t, func() bool {
		replies, err = b.Request(ctx, event.MatchQueue, payload, 0, 200*time.Millisecond, 50*time.Millisecond)
		return err == nil && len(replies) == 1
	}, 5*time.Second, 50*time.Millisecond)

	var res event.MatchResponse
	require.NoError(t, json.Unmarshal(replies[0], &res))
	assert.Equal(t, provID, res.Provisioner)
}

func TestAssignedBindsSlotAndProvisions(t *testing.T) {
	_, b := testutil.Redis(t)
	fake := newFakeProvider()
	svc := newService(t, b, fake, provisioner.Options{})
	require.NoError(t, svc.Register(t.Context()))
	seedSession(t, b, sessionID, `{"alwaysMatch":{"browserName":"firefox"}}`)

	ctx := t.Context()
	require.NoError(t, b.EnsureGroup(ctx, event.SessionProvisioned.Name, "reader"))
	msg := assignedMessage(t, b, sessionID)
	require.NoError(t, svc.HandleAssigned(ctx, msg))

	slot, err := b.Get(ctx, keys.SessionSlot(sessionID))
	require.NoError(t, err)
	assert.NotEmpty(t, slot)

	owner, found, err := b.LIndex(ctx, keys.SessionOrchestrator(sessionID), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, provID, owner)

	stamp, err := b.HGet(ctx, keys.SessionStatus(sessionID), keys.StatusProvisionedAt)
	require.NoError(t, err)
	assert.NotEmpty(t, stamp)

	require.Equal(t, 1, fake.launchCount())
	assert.Equal(t, "webgrid/node-firefox:132.0", fake.launched[0].Image)
	assert.Contains(t, fake.launched[0].Env, "WEBGRID_SESSION_ID="+sessionID)

	msgs, err := b.ReadGroup(ctx, event.SessionProvisioned.Name, "reader", "c", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var provisioned event.SessionProvisionedPayload
	require.NoError(t, event.Decode(msgs[0], &provisioned))
	assert.Equal(t, sessionID, provisioned.ID)
	assert.Equal(t, "c-1", provisioned.Meta["container"])

	available, err := b.LLen(ctx, keys.OrchestratorSlotsAvailable(provID))
	require.NoError(t, err)
	assert.EqualValues(t, 2, available)
}

func TestAssignedDuplicateDeliveryLaunchesOnce(t *testing.T) {
	_, b := testutil.Redis(t)
	fake := newFakeProvider()
	svc := newService(t, b, fake, provisioner.Options{})
	require.NoError(t, svc.Register(t.Context()))
	seedSession(t, b, sessionID, `{"alwaysMatch":{"browserName":"chrome"}}`)

	msg := assignedMessage(t, b, sessionID)
	require.NoError(t, svc.HandleAssigned(t.Context(), msg))
	require.NoError(t, svc.HandleAssigned(t.Context(), msg))

	assert.Equal(t, 1, fake.launchCount())
	available, err := b.LLen(t.Context(), keys.OrchestratorSlotsAvailable(provID))
	require.NoError(t, err)
	assert.EqualValues(t, 2, available, "redelivery must not eat a second slot")
}

func TestLaunchFailureTerminatesAndFreesSlot(t *testing.T) {
	_, b := testutil.Redis(t)
	fake := newFakeProvider()
	fake.launchErr = errors.New("image pull failed")
	svc := newService(t, b, fake, provisioner.Options{})
	require.NoError(t, svc.Register(t.Context()))
	seedSession(t, b, sessionID, `{"alwaysMatch":{"browserName":"chrome"}}`)

	ctx := t.Context()
	msg := assignedMessage(t, b, sessionID)
	require.NoError(t, svc.HandleAssigned(ctx, msg), "launch failure is session-fatal, not consumer-fatal")

	terminated, err := b.SIsMember(ctx, keys.SessionsTerminated, sessionID)
	require.NoError(t, err)
	assert.True(t, terminated)

	payload, ok := readTerminated(t, b)
	require.True(t, ok)
	assert.Equal(t, sessionID, payload.ID)
	assert.Equal(t, event.ReasonStartupFailed, payload.Reason.Kind)
	assert.Contains(t, payload.Reason.Error, "image pull failed")

	reclaimed, err := b.LLen(ctx, keys.OrchestratorSlotsReclaimed(provID))
	require.NoError(t, err)
	assert.EqualValues(t, 1, reclaimed, "failed launch must return its slot")
}

func TestReclaimPassTerminatesDeadSessions(t *testing.T) {
	_, b := testutil.Redis(t)
	fake := newFakeProvider()
	svc := newService(t, b, fake, provisioner.Options{})
	require.NoError(t, svc.Register(t.Context()))
	seedSession(t, b, sessionID, `{"alwaysMatch":{"browserName":"chrome"}}`)

	ctx := t.Context()
	msg := assignedMessage(t, b, sessionID)
	require.NoError(t, svc.HandleAssigned(ctx, msg))
	// No heartbeat was ever written: the session is dead by the liveness
	// formula the moment the sweep looks at it.

	require.NoError(t, svc.ReclaimPass(ctx))

	terminated, err := b.SIsMember(ctx, keys.SessionsTerminated, sessionID)
	require.NoError(t, err)
	assert.True(t, terminated)

	payload, ok := readTerminated(t, b)
	require.True(t, ok)
	assert.Equal(t, event.ReasonTerminatedExternally, payload.Reason.Kind)

	// Container reaped, slot back in circulation.
	containers, err := fake.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, containers)

	available, err := b.LLen(ctx, keys.OrchestratorSlotsAvailable(provID))
	require.NoError(t, err)
	assert.EqualValues(t, 3, available)
}

func TestReclaimPassKeepsLiveSessions(t *testing.T) {
	_, b := testutil.Redis(t)
	fake := newFakeProvider()
	svc := newService(t, b, fake, provisioner.Options{})
	require.NoError(t, svc.Register(t.Context()))
	seedSession(t, b, sessionID, `{"alwaysMatch":{"browserName":"chrome"}}`)

	ctx := t.Context()
	msg := assignedMessage(t, b, sessionID)
	require.NoError(t, svc.HandleAssigned(ctx, msg))
	// Startup in progress: manager beat held, node not yet healthy.
	require.NoError(t, b.Set(ctx, keys.SessionHeartbeatManager(sessionID), "x", time.Minute))

	require.NoError(t, svc.ReclaimPass(ctx))

	active, err := b.SIsMember(ctx, keys.SessionsActive, sessionID)
	require.NoError(t, err)
	assert.True(t, active, "a session under manager supervision must survive the sweep")

	containers, err := fake.List(ctx)
	require.NoError(t, err)
	assert.Len(t, containers, 1)
}

func TestFailedContainerPurge(t *testing.T) {
	_, b := testutil.Redis(t)
	fake := newFakeProvider()
	svc := newService(t, b, fake, provisioner.Options{
		WarnFailedContainers:  2,
		PurgeFailedContainers: 5,
		KeepFailedContainers:  2,
	})
	require.NoError(t, svc.Register(t.Context()))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("failed-%d", i)
		fake.containers[id] = provider.Container{
			ID:        id,
			SessionID: fmt.Sprintf("s-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Failed:    true,
		}
	}

	require.NoError(t, svc.ReclaimPass(t.Context()))

	remaining, err := fake.List(t.Context())
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, c := range remaining {
		assert.Contains(t, []string{"failed-5", "failed-6"}, c.ID, "the newest failures stay for inspection")
	}
}

func TestBacklogAcceptance(t *testing.T) {
	_, b := testutil.Redis(t)
	fake := newFakeProvider()
	svc := newService(t, b, fake, provisioner.Options{})
	require.NoError(t, svc.Register(t.Context()))
	seedSession(t, b, sessionID, `{"alwaysMatch":{"browserName":"chrome"}}`)
	// Manager path: the slot is bound before the backlog push.
	ctx := t.Context()
	slot, ok, err := b.LPop(ctx, keys.OrchestratorSlotsAvailable(provID))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, b.Set(ctx, keys.SessionSlot(sessionID), slot, 0))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := jobs.NewScheduler(runCtx, jobs.Config{})
	for _, j := range svc.Jobs() {
		if j.Name() == "provisioner-backlog" {
			sched.Submit(j)
		}
	}

	require.NoError(t, b.RPush(ctx, keys.OrchestratorBacklog(provID), sessionID))

	require.Eventually(t, func() bool { return fake.launchCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	owner, found, err := b.LIndex(ctx, keys.SessionOrchestrator(sessionID), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, provID, owner)

	cancel()
	sched.Shutdown()
}
