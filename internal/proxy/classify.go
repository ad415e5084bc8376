// SPDX-License-Identifier: MIT

// Package proxy is the grid's frontdoor: an HTTP reverse proxy that
// classifies requests by URL shape and forwards them to the manager, a
// session's node, a storage instance or an api server. Upstreams are
// resolved from the routing table with a service-discovery fallback; the
// node hop speaks HTTP/2 for throughput.
package proxy

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/webgrid/webgrid/internal/routing"
)

// target is where a classified request goes.
type target struct {
	role routing.Role
	// id addresses a specific upstream (session id for nodes, storage
	// id for storage); empty for the interchangeable roles.
	id string
}

// classify maps a request to its upstream per the frontdoor routing table:
//
//	POST /session          -> manager
//	/session/{uuid}/...    -> node for that uuid
//	/storage/{id}/...      -> storage id
//	/api/..., /embed/...   -> any api
//	everything else        -> any api (dashboard fallback)
func classify(r *http.Request) target {
	path := r.URL.Path

	if path == "/session" || path == "/session/" {
		if r.Method == http.MethodPost {
			return target{role: routing.RoleManager}
		}
		return target{role: routing.RoleAPI}
	}

	if rest, ok := strings.CutPrefix(path, "/session/"); ok {
		id := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			id = rest[:i]
		}
		if _, err := uuid.Parse(id); err == nil {
			return target{role: routing.RoleNode, id: id}
		}
		return target{role: routing.RoleAPI}
	}

	if rest, ok := strings.CutPrefix(path, "/storage/"); ok {
		id := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			id = rest[:i]
		}
		if id != "" {
			return target{role: routing.RoleStorage, id: id}
		}
		return target{role: routing.RoleAPI}
	}

	return target{role: routing.RoleAPI}
}

// stripStoragePrefix removes the /storage/{id} prefix before forwarding;
// storage instances serve from their root.
func stripStoragePrefix(path, id string) string {
	rest := strings.TrimPrefix(path, "/storage/"+id)
	if rest == "" {
		return "/"
	}
	return rest
}
