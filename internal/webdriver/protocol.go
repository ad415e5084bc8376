// SPDX-License-Identifier: MIT

// Package webdriver carries the WebDriver wire shapes the grid touches: the
// session creation request, the success and error response envelopes, and an
// HTTP client for the driver that runs next to the browser. The grid is
// transparent to every other WebDriver request.
package webdriver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes the grid emits itself. Everything else passes through from the
// driver untouched.
const (
	ErrSessionNotCreated = "sessionNotCreated"
	ErrUnknown           = "unknownError"
)

// NewSessionRequest is the body of POST /session.
type NewSessionRequest struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

// SessionValue is the value object of a successful session creation.
type SessionValue struct {
	SessionID    string          `json:"sessionId"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// ErrorValue is the value object of a WebDriver error response.
type ErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

type sessionEnvelope struct {
	Value SessionValue `json:"value"`
}

type errorEnvelope struct {
	Value ErrorValue `json:"value"`
}

// ParseNewSessionRequest decodes and minimally validates a session creation
// body. The capabilities object itself is parsed later by the matcher; here
// only its presence is enforced.
func ParseNewSessionRequest(body []byte) (NewSessionRequest, error) {
	var req NewSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("parse session request: %w", err)
	}
	if len(req.Capabilities) == 0 {
		return req, fmt.Errorf("parse session request: missing capabilities")
	}
	return req, nil
}

// ParseSessionResponse decodes a driver's session creation response.
func ParseSessionResponse(body []byte) (SessionValue, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return SessionValue{}, fmt.Errorf("parse session response: %w", err)
	}
	if env.Value.SessionID == "" {
		// Drivers signal failure with an error value in the same envelope.
		var fail errorEnvelope
		if err := json.Unmarshal(body, &fail); err == nil && fail.Value.Error != "" {
			return SessionValue{}, fmt.Errorf("driver refused session: %s: %s", fail.Value.Error, fail.Value.Message)
		}
		return SessionValue{}, fmt.Errorf("parse session response: missing sessionId")
	}
	return env.Value, nil
}

// WriteSession writes a WebDriver success envelope.
func WriteSession(w http.ResponseWriter, sessionID string, capabilities json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessionEnvelope{Value: SessionValue{
		SessionID:    sessionID,
		Capabilities: capabilities,
	}})
}

// WriteError writes a WebDriver error envelope. Clients always receive valid
// JSON, whatever went wrong inside the grid.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Value: ErrorValue{
		Error:   code,
		Message: message,
	}})
}
