// SPDX-License-Identifier: MIT

// Package event defines the grid's lifecycle event taxonomy: the queues,
// their payload shapes and the JSON codec, plus a publisher and a
// consumer-group consumer over broker streams. Delivery is at-least-once;
// consumers stay idempotent by checking session state before publishing a
// successor event.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/webgrid/webgrid/internal/broker"
)

// Queue identifies one event stream and its retention size.
type Queue struct {
	Name      string
	Retention int64
}

// The grid's queues. Retention is approximate (stream MAXLEN).
var (
	SessionCreated          = Queue{"session.created", 10000}
	SessionScheduled        = Queue{"session.scheduled", 10000}
	SessionProvisioned      = Queue{"session.provisioned", 10000}
	SessionOperational      = Queue{"session.operational", 10000}
	SessionTerminated       = Queue{"session.terminated", 10000}
	SessionMetadataModified = Queue{"session.metadata.modified", 10000}
)

// ProvisioningAssigned is the per-provisioner assignment queue. Only the
// addressed provisioner consumes it.
func ProvisioningAssigned(provisioner string) Queue {
	return Queue{"provisioning.assigned/" + provisioner, 1000}
}

// MatchQueue is the broadcast request queue provisioners answer
// ProvisionerMatch requests on.
const MatchQueue = "provisioner.match"

const payloadField = "data"

// Encode serializes a payload into stream field form.
func Encode(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return map[string]any{payloadField: string(raw)}, nil
}

// Decode deserializes a delivered message into the queue's payload shape.
func Decode(msg broker.Message, v any) error {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return fmt.Errorf("decode event %s: missing payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode event %s: %w", msg.ID, err)
	}
	return nil
}
