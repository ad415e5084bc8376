// SPDX-License-Identifier: MIT

package event

import "encoding/json"

// SessionCreatedPayload announces a freshly allocated session.
type SessionCreatedPayload struct {
	ID           string          `json:"id"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// SessionScheduledPayload records the provisioner the scheduler picked.
type SessionScheduledPayload struct {
	ID          string `json:"id"`
	Provisioner string `json:"provisioner"`
}

// ProvisioningJobPayload is the assignment delivered to one provisioner.
type ProvisioningJobPayload struct {
	SessionID    string          `json:"sessionId"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// SessionProvisionedPayload reports a launched container.
type SessionProvisionedPayload struct {
	ID   string            `json:"id"`
	Meta map[string]string `json:"meta,omitempty"`
}

// SessionOperationalPayload reports a node that passed health checks.
type SessionOperationalPayload struct {
	ID                 string          `json:"id"`
	ActualCapabilities json.RawMessage `json:"actualCapabilities"`
}

// SessionTerminatedPayload is the terminal lifecycle event.
type SessionTerminatedPayload struct {
	ID             string            `json:"id"`
	Reason         TerminationReason `json:"reason"`
	RecordingBytes int64             `json:"recordingBytes"`
}

// SessionMetadataModifiedPayload carries client- or operator-supplied
// metadata updates.
type SessionMetadataModifiedPayload struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// MatchRequest is the broadcast ProvisionerMatch request body.
type MatchRequest struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

// MatchResponse is a provisioner's consent to serve a request.
type MatchResponse struct {
	Provisioner  string `json:"provisioner"`
	PlatformName string `json:"platformName,omitempty"`
}

// ReasonKind enumerates why a session ended.
type ReasonKind string

const (
	ReasonStartupFailed        ReasonKind = "startupFailed"
	ReasonModuleTimeout        ReasonKind = "moduleTimeout"
	ReasonClosedByClient       ReasonKind = "closedByClient"
	ReasonIdleTimeoutReached   ReasonKind = "idleTimeoutReached"
	ReasonTerminatedExternally ReasonKind = "terminatedExternally"
)

// TerminationReason is the tagged reason carried by session.terminated.
// Error is set for startupFailed, Message for closedByClient.
type TerminationReason struct {
	Kind    ReasonKind `json:"kind"`
	Error   string     `json:"error,omitempty"`
	Message string     `json:"message,omitempty"`
}

// StartupFailed builds the startup-failure reason from an error.
func StartupFailed(err error) TerminationReason {
	r := TerminationReason{Kind: ReasonStartupFailed}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// ClosedByClient builds the client-close reason.
func ClosedByClient(message string) TerminationReason {
	return TerminationReason{Kind: ReasonClosedByClient, Message: message}
}
