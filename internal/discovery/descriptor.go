// SPDX-License-Identifier: MIT

// Package discovery locates ephemeral grid endpoints. Advertisers announce
// themselves on a global channel for passive caches and answer directed
// queries; discoverers keep an LRU of known endpoints and fall back to an
// active query on cache misses. No discovery state lives in the broker.
package discovery

import "strings"

// Kind enumerates the discoverable service kinds.
type Kind string

const (
	KindManager Kind = "manager"
	KindAPI     Kind = "api"
	KindStorage Kind = "storage"
	KindNode    Kind = "node"
)

// Descriptor identifies one discoverable service: a kind plus an optional
// instance id. Nodes and storage instances are addressed individually;
// managers and apis are interchangeable.
type Descriptor struct {
	Kind Kind
	ID   string
}

// String is the stable wire serialization used in channel names.
func (d Descriptor) String() string {
	if d.ID == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + ":" + d.ID
}

// ParseDescriptor inverts String.
func ParseDescriptor(s string) Descriptor {
	kind, id, _ := strings.Cut(s, ":")
	return Descriptor{Kind: Kind(kind), ID: id}
}

// Manager is the interchangeable manager descriptor.
func Manager() Descriptor { return Descriptor{Kind: KindManager} }

// API is the interchangeable api descriptor.
func API() Descriptor { return Descriptor{Kind: KindAPI} }

// Storage addresses one storage instance.
func Storage(id string) Descriptor { return Descriptor{Kind: KindStorage, ID: id} }

// Node addresses the node serving one session.
func Node(sessionID string) Descriptor { return Descriptor{Kind: KindNode, ID: sessionID} }

// AnnouncementChannel is the global channel every announcement goes to.
const AnnouncementChannel = "sa"

// QueryChannel returns the per-descriptor channel queries arrive on.
func QueryChannel(d Descriptor) string { return "sd-" + d.String() }
