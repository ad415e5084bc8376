// SPDX-License-Identifier: MIT

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"

	"github.com/webgrid/webgrid/internal/event"
)

func find(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSchedulingAttributes(t *testing.T) {
	attrs := SchedulingAttributes("sess-1", "prov-1")

	v, ok := find(attrs, SessionIDKey)
	assert.True(t, ok)
	assert.Equal(t, "sess-1", v.AsString())
	v, ok = find(attrs, ProvisionerKey)
	assert.True(t, ok)
	assert.Equal(t, "prov-1", v.AsString())
}

func TestConsumerAttributes(t *testing.T) {
	attrs := ConsumerAttributes(event.SessionTerminated, "archive")

	v, ok := find(attrs, QueueKey)
	assert.True(t, ok)
	assert.Equal(t, "session.terminated", v.AsString())
	v, ok = find(attrs, ConsumerGroupKey)
	assert.True(t, ok)
	assert.Equal(t, "archive", v.AsString())
}

func TestTerminationAttributes(t *testing.T) {
	attrs := TerminationAttributes("sess-1", event.ClosedByClient("bye"), 2048)

	v, ok := find(attrs, SessionReasonKey)
	assert.True(t, ok)
	assert.Equal(t, string(event.ReasonClosedByClient), v.AsString())
	v, ok = find(attrs, RecordingBytesKey)
	assert.True(t, ok)
	assert.Equal(t, int64(2048), v.AsInt64())
}
