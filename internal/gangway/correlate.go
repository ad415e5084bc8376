// SPDX-License-Identifier: MIT

package gangway

import (
	"context"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/event"
)

// correlationCap bounds the waiter table. Requests that never get claimed
// (client gone, response path crashed) age out instead of leaking.
const correlationCap = 4096

// Outcome is the correlated end of one creation request: either the node's
// actual capabilities or the termination that preempted them.
type Outcome struct {
	Actual  json.RawMessage
	Failure *event.TerminationReason
}

// Correlator pairs in-flight creation requests with the lifecycle events
// that answer them. One instance per process; its consumers run in their
// own group so every instance sees every event and resolves only its own
// waiters.
type Correlator struct {
	waiters *lru.Cache[string, chan Outcome]
}

// NewCorrelator builds the bounded waiter table.
func NewCorrelator() (*Correlator, error) {
	waiters, err := lru.New[string, chan Outcome](correlationCap)
	if err != nil {
		return nil, err
	}
	return &Correlator{waiters: waiters}, nil
}

// Await registers a waiter for the session's outcome. The channel receives
// at most one value. Callers must Forget the id when they stop listening.
func (c *Correlator) Await(id string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	c.waiters.Add(id, ch)
	return ch
}

// Forget drops the waiter. Safe when none is registered.
func (c *Correlator) Forget(id string) {
	c.waiters.Remove(id)
}

// Waiting reports the number of registered waiters.
func (c *Correlator) Waiting() int {
	return c.waiters.Len()
}

func (c *Correlator) resolve(id string, outcome Outcome) {
	ch, ok := c.waiters.Get(id)
	if !ok {
		return
	}
	c.waiters.Remove(id)
	select {
	case ch <- outcome:
	default:
	}
}

// HandleOperational resolves waiters whose session reached health.
func (c *Correlator) HandleOperational(_ context.Context, msg broker.Message) error {
	var payload event.SessionOperationalPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	c.resolve(payload.ID, Outcome{Actual: payload.ActualCapabilities})
	return nil
}

// HandleTerminated resolves waiters whose session died before health.
func (c *Correlator) HandleTerminated(_ context.Context, msg broker.Message) error {
	var payload event.SessionTerminatedPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	reason := payload.Reason
	c.resolve(payload.ID, Outcome{Failure: &reason})
	return nil
}
