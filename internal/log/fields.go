// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID   = "session_id"
	FieldProvisioner = "provisioner"
	FieldRequestID   = "request_id"
	FieldSlot        = "slot"
	FieldEndpoint    = "endpoint"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldJob       = "job"

	// Lifecycle fields
	FieldCode     = "code"
	FieldReason   = "reason"
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Broker fields
	FieldKey     = "key"
	FieldQueue   = "queue"
	FieldChannel = "channel"
)
