// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webgrid/webgrid/internal/keys"
)

// Scripter is the atomic multi-key surface. Session termination and slot
// reclamation must be single broker round-trips or concurrent observers
// double-free slots.
type Scripter interface {
	TerminateSession(ctx context.Context, id string, now time.Time) (TerminateResult, error)
	ReclaimDeadSessions(ctx context.Context, provisioner string, now time.Time) ([]string, error)
	SweepOrphanSlots(ctx context.Context, provisioner string) ([]string, error)
}

// terminateScript performs the terminal bookkeeping for one session. The
// HSETNX on terminatedAt is the idempotence gate: only the first caller
// moves the session between sets, drops heartbeats and frees the slot.
// Every timestamp arrives as an argument; scripts never read the clock.
//
// KEYS[1] sessions.active, KEYS[2] sessions.terminated
// ARGV[1] session id, ARGV[2] timestamp
// Returns {terminated(0|1), slot, provisioner}.
var terminateScript = redis.NewScript(`
local id = ARGV[1]
local status = "session:" .. id .. ":status"
if redis.call("HSETNX", status, "terminatedAt", ARGV[2]) == 0 then
  return {0, "", ""}
end
redis.call("SREM", KEYS[1], id)
redis.call("SADD", KEYS[2], id)
redis.call("DEL", "session:" .. id .. ":heartbeat.manager")
redis.call("DEL", "session:" .. id .. ":heartbeat.node")
local slot = redis.call("GET", "session:" .. id .. ":slot")
local owner = redis.call("LINDEX", "session:" .. id .. ":orchestrator", 0)
if slot and owner then
  redis.call("RPUSH", "orchestrator:" .. owner .. ":slots.reclaimed", slot)
  redis.call("DEL", "session:" .. id .. ":slot")
  return {1, slot, owner}
end
return {1, slot or "", owner or ""}
`)

// reclaimScript terminates every dead session bound to one provisioner. A
// session counts as alive while its node heartbeat holds (after first
// health) or its manager heartbeat holds (before first health). Termination
// bookkeeping matches terminateScript.
//
// KEYS[1] sessions.active, KEYS[2] sessions.terminated
// ARGV[1] provisioner id, ARGV[2] timestamp
// Returns the reclaimed session ids.
var reclaimScript = redis.NewScript(`
local reclaimed = {}
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local owner = redis.call("LINDEX", "session:" .. id .. ":orchestrator", 0)
  if owner == ARGV[1] then
    local nodeAlive = redis.call("EXISTS", "session:" .. id .. ":heartbeat.node") == 1
    local managerAlive = redis.call("EXISTS", "session:" .. id .. ":heartbeat.manager") == 1
    local everAlive = redis.call("HEXISTS", "session:" .. id .. ":status", "aliveAt") == 1
    local alive = (nodeAlive and everAlive) or (managerAlive and not everAlive)
    if not alive then
      if redis.call("HSETNX", "session:" .. id .. ":status", "terminatedAt", ARGV[2]) == 1 then
        redis.call("SREM", KEYS[1], id)
        redis.call("SADD", KEYS[2], id)
        redis.call("DEL", "session:" .. id .. ":heartbeat.manager")
        redis.call("DEL", "session:" .. id .. ":heartbeat.node")
        local slot = redis.call("GET", "session:" .. id .. ":slot")
        if slot then
          redis.call("RPUSH", "orchestrator:" .. ARGV[1] .. ":slots.reclaimed", slot)
          redis.call("DEL", "session:" .. id .. ":slot")
        end
        reclaimed[#reclaimed + 1] = id
      end
    end
  end
end
return reclaimed
`)

// slotSweepScript returns every slot in the owner's slot set that is neither
// available, nor reclaimed, nor held by an active session, back to the
// reclaimed list. Covers slots lost to crashes between pop and bind.
//
// KEYS[1] orchestrator slots set, KEYS[2] available list,
// KEYS[3] reclaimed list, KEYS[4] sessions.active
// ARGV[1] provisioner id
// Returns the swept slots.
var slotSweepScript = redis.NewScript(`
local seen = {}
for _, s in ipairs(redis.call("LRANGE", KEYS[2], 0, -1)) do seen[s] = true end
for _, s in ipairs(redis.call("LRANGE", KEYS[3], 0, -1)) do seen[s] = true end
for _, id in ipairs(redis.call("SMEMBERS", KEYS[4])) do
  local owner = redis.call("LINDEX", "session:" .. id .. ":orchestrator", 0)
  if owner == ARGV[1] then
    local slot = redis.call("GET", "session:" .. id .. ":slot")
    if slot then seen[slot] = true end
  end
end
local moved = {}
for _, s in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  if not seen[s] then
    redis.call("RPUSH", KEYS[3], s)
    moved[#moved + 1] = s
  end
end
return moved
`)

// TerminateResult reports what the termination script did.
type TerminateResult struct {
	// Terminated is false when another caller already terminated the
	// session; nothing was changed in that case.
	Terminated bool
	// Slot is the freed slot token, "" when the session never bound one.
	Slot string
	// Provisioner is the slot owner's id, "" when unbound.
	Provisioner string
}

// TerminateSession atomically finalizes a session: timestamps it, moves it
// from the active to the terminated set, drops its heartbeats and returns
// its slot to the owning provisioner's reclaimed list. Safe to call any
// number of times.
func (b *Broker) TerminateSession(ctx context.Context, id string, now time.Time) (TerminateResult, error) {
	res, err := terminateScript.Run(ctx, b.client,
		[]string{keys.SessionsActive, keys.SessionsTerminated},
		id, now.UTC().Format(time.RFC3339),
	).Result()
	if err != nil {
		return TerminateResult{}, fmt.Errorf("terminate session %s: %w", id, err)
	}
	parts, ok := res.([]any)
	if !ok || len(parts) != 3 {
		return TerminateResult{}, fmt.Errorf("terminate session %s: unexpected reply %v", id, res)
	}
	flag, _ := parts[0].(int64)
	slot, _ := parts[1].(string)
	owner, _ := parts[2].(string)
	return TerminateResult{Terminated: flag == 1, Slot: slot, Provisioner: owner}, nil
}

// ReclaimDeadSessions terminates every dead session bound to the given
// provisioner and reclaims their slots. Returns the terminated session ids.
func (b *Broker) ReclaimDeadSessions(ctx context.Context, provisioner string, now time.Time) ([]string, error) {
	res, err := reclaimScript.Run(ctx, b.client,
		[]string{keys.SessionsActive, keys.SessionsTerminated},
		provisioner, now.UTC().Format(time.RFC3339),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim for %s: %w", provisioner, err)
	}
	return stringReply(res)
}

// SweepOrphanSlots recovers slots that fell out of circulation for the
// given provisioner. Returns the recovered slots.
func (b *Broker) SweepOrphanSlots(ctx context.Context, provisioner string) ([]string, error) {
	res, err := slotSweepScript.Run(ctx, b.client,
		[]string{
			keys.OrchestratorSlots(provisioner),
			keys.OrchestratorSlotsAvailable(provisioner),
			keys.OrchestratorSlotsReclaimed(provisioner),
			keys.SessionsActive,
		},
		provisioner,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("slot sweep for %s: %w", provisioner, err)
	}
	return stringReply(res)
}

func stringReply(res any) ([]string, error) {
	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("broker: unexpected script reply %v", res)
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("broker: unexpected script reply element %v", r)
		}
		out = append(out, s)
	}
	return out, nil
}
