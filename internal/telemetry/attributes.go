// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/webgrid/webgrid/internal/event"
)

// Attribute keys shared across role spans.
const (
	SessionIDKey      = "webgrid.session.id"
	SessionReasonKey  = "webgrid.session.termination_reason"
	ProvisionerKey    = "webgrid.provisioner"
	SlotKey           = "webgrid.slot"
	QueueKey          = "webgrid.queue"
	ConsumerGroupKey  = "webgrid.consumer_group"
	UpstreamRoleKey   = "webgrid.upstream.role"
	ArtifactKey       = "webgrid.artifact"
	RecordingBytesKey = "webgrid.recording.bytes"
)

// SessionAttributes annotates a span with the session it works on.
func SessionAttributes(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
	}
}

// SchedulingAttributes annotates a scheduling decision span.
func SchedulingAttributes(sessionID, provisioner string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.String(ProvisionerKey, provisioner),
	}
}

// ConsumerAttributes annotates an event-consumer span.
func ConsumerAttributes(queue event.Queue, group string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(QueueKey, queue.Name),
		attribute.String(ConsumerGroupKey, group),
	}
}

// TerminationAttributes annotates the end-of-session span.
func TerminationAttributes(sessionID string, reason event.TerminationReason, recordingBytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.String(SessionReasonKey, string(reason.Kind)),
		attribute.Int64(RecordingBytesKey, recordingBytes),
	}
}
