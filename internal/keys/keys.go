// SPDX-License-Identifier: MIT

// Package keys defines the broker key schema shared by every grid component.
// All state that outlives a process lives under these keys; process-local
// caches are derived from them and rebuildable.
package keys

// Top-level registries.
const (
	SessionsActive     = "sessions.active"
	SessionsTerminated = "sessions.terminated"
	Orchestrators      = "orchestrators"
)

// Session keys. The id is the external session UUID.
func SessionStatus(id string) string       { return "session:" + id + ":status" }
func SessionCapabilities(id string) string { return "session:" + id + ":capabilities" }
func SessionDownstream(id string) string   { return "session:" + id + ":downstream" }
func SessionUpstream(id string) string     { return "session:" + id + ":upstream" }
func SessionSlot(id string) string         { return "session:" + id + ":slot" }
func SessionOrchestrator(id string) string { return "session:" + id + ":orchestrator" }
func SessionMetadata(id string) string     { return "session:" + id + ":metadata" }
func SessionHeartbeatManager(id string) string {
	return "session:" + id + ":heartbeat.manager"
}
func SessionHeartbeatNode(id string) string { return "session:" + id + ":heartbeat.node" }
func SessionRecordingBytes(id string) string {
	return "session:" + id + ":recording.bytes"
}

// SessionKeyPattern matches every key belonging to one session; used by the
// retention purge.
func SessionKeyPattern(id string) string { return "session:" + id + ":*" }

// Status hash fields, one per lifecycle state. The enum is append-only.
const (
	StatusQueuedAt      = "queuedAt"
	StatusScheduledAt   = "scheduledAt"
	StatusProvisionedAt = "provisionedAt"
	StatusAliveAt       = "aliveAt"
	StatusTerminatedAt  = "terminatedAt"
)

// Capabilities hash fields.
const (
	CapsRequested = "requested"
	CapsActual    = "actual"
)

// Provisioner (orchestrator) keys.
func OrchestratorSlots(id string) string          { return "orchestrator:" + id + ":slots" }
func OrchestratorSlotsAvailable(id string) string { return "orchestrator:" + id + ":slots.available" }
func OrchestratorSlotsReclaimed(id string) string { return "orchestrator:" + id + ":slots.reclaimed" }
func OrchestratorBacklog(id string) string        { return "orchestrator:" + id + ":backlog" }
func OrchestratorHeartbeat(id string) string      { return "orchestrator:" + id + ":heartbeat" }
func OrchestratorRetain(id string) string         { return "orchestrator:" + id + ":retain" }
func OrchestratorPlatformName(id string) string {
	return "orchestrator:" + id + ":capabilities.platformName"
}
func OrchestratorBrowsers(id string) string {
	return "orchestrator:" + id + ":capabilities.browsers"
}
func OrchestratorKeyPattern(id string) string { return "orchestrator:" + id + ":*" }

// Role endpoints used by the routing table. The heartbeat key signals
// liveness; the upstream hash carries the endpoint record.
func ManagerHeartbeat(id string) string { return "manager:" + id + ":heartbeat" }
func ManagerUpstream(id string) string  { return "manager:" + id + ":upstream" }
func StorageHeartbeat(id string) string { return "storage:" + id + ":heartbeat" }
func StorageUpstream(id string) string  { return "storage:" + id + ":upstream" }
func APIHeartbeat(id string) string     { return "api:" + id + ":heartbeat" }
func APIUpstream(id string) string      { return "api:" + id + ":upstream" }

// Upstream hash fields.
const (
	UpstreamHost = "host"
	UpstreamPort = "port"
)

// Downstream hash fields.
const (
	DownstreamHost      = "host"
	DownstreamUserAgent = "userAgent"
	DownstreamLastSeen  = "lastSeen"
)

// Operator setting keys, resolved at use time so a live grid can be retuned.
func Setting(name string) string { return "config:" + name }
