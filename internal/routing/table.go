// SPDX-License-Identifier: MIT

// Package routing keeps the frontdoor's live map of role → endpoint. The
// map is derived entirely from broker heartbeat keys: a watcher translates
// keyspace notifications into inserts and removals, so an entry is visible
// exactly while its heartbeat holds.
package routing

import (
	"math/rand"
	"sync"
)

// Role enumerates the routable upstream kinds.
type Role string

const (
	RoleManager Role = "manager"
	RoleAPI     Role = "api"
	RoleStorage Role = "storage"
	RoleNode    Role = "node"
)

type roleEntries struct {
	mu        sync.RWMutex
	endpoints map[string]string // id -> host:port
}

// Table is the concurrent role → endpoint map. Reads never block writes of
// other roles; each role carries its own lock.
type Table struct {
	roles map[Role]*roleEntries
}

// NewTable creates an empty table.
func NewTable() *Table {
	t := &Table{roles: make(map[Role]*roleEntries, 4)}
	for _, r := range []Role{RoleManager, RoleAPI, RoleStorage, RoleNode} {
		t.roles[r] = &roleEntries{endpoints: make(map[string]string)}
	}
	return t
}

// Insert adds or refreshes an entry.
func (t *Table) Insert(role Role, id, endpoint string) {
	re, ok := t.roles[role]
	if !ok {
		return
	}
	re.mu.Lock()
	re.endpoints[id] = endpoint
	re.mu.Unlock()
}

// Remove drops an entry.
func (t *Table) Remove(role Role, id string) {
	re, ok := t.roles[role]
	if !ok {
		return
	}
	re.mu.Lock()
	delete(re.endpoints, id)
	re.mu.Unlock()
}

// Pick returns a uniformly random endpoint for a role. Used for the
// interchangeable roles (manager, api).
func (t *Table) Pick(role Role) (string, bool) {
	re, ok := t.roles[role]
	if !ok {
		return "", false
	}
	re.mu.RLock()
	defer re.mu.RUnlock()
	if len(re.endpoints) == 0 {
		return "", false
	}
	n := rand.Intn(len(re.endpoints))
	for _, ep := range re.endpoints {
		if n == 0 {
			return ep, true
		}
		n--
	}
	return "", false
}

// Lookup returns the endpoint registered under an exact id. Used for nodes
// (one per session) and storage instances.
func (t *Table) Lookup(role Role, id string) (string, bool) {
	re, ok := t.roles[role]
	if !ok {
		return "", false
	}
	re.mu.RLock()
	defer re.mu.RUnlock()
	ep, ok := re.endpoints[id]
	return ep, ok
}

// Len reports the entry count for a role.
func (t *Table) Len(role Role) int {
	re, ok := t.roles[role]
	if !ok {
		return 0
	}
	re.mu.RLock()
	defer re.mu.RUnlock()
	return len(re.endpoints)
}
