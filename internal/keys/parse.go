// SPDX-License-Identifier: MIT

package keys

import "regexp"

var (
	slotQueueRe       = regexp.MustCompile(`^orchestrator:([^:]+):slots\.available$`)
	sessionKeyRe      = regexp.MustCompile(`^session:([^:]+):`)
	orchestratorKeyRe = regexp.MustCompile(`^orchestrator:([^:]+):`)
	roleHeartbeatRe   = regexp.MustCompile(`^(manager|storage|api):([^:]+):heartbeat$`)
	nodeHeartbeatRe   = regexp.MustCompile(`^session:([^:]+):heartbeat\.node$`)
)

// OrchestratorFromSlotQueue derives the provisioner id from the queue key a
// blocking pop returned. Empty when the key is not a slot queue.
func OrchestratorFromSlotQueue(queueKey string) string {
	m := slotQueueRe.FindStringSubmatch(queueKey)
	if m == nil {
		return ""
	}
	return m[1]
}

// SessionFromKey extracts the session id from any session-scoped key.
func SessionFromKey(key string) string {
	m := sessionKeyRe.FindStringSubmatch(key)
	if m == nil {
		return ""
	}
	return m[1]
}

// OrchestratorFromKey extracts the provisioner id from any orchestrator key.
func OrchestratorFromKey(key string) string {
	m := orchestratorKeyRe.FindStringSubmatch(key)
	if m == nil {
		return ""
	}
	return m[1]
}

// RoleHeartbeat splits a role heartbeat key into (role, id). The node role is
// special-cased because its liveness key lives under the session namespace.
func RoleHeartbeat(key string) (role, id string, ok bool) {
	if m := nodeHeartbeatRe.FindStringSubmatch(key); m != nil {
		return "node", m[1], true
	}
	if m := roleHeartbeatRe.FindStringSubmatch(key); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}
