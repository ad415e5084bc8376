// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"time"

	"github.com/webgrid/webgrid/internal/event"
)

// StopCause enumerates why a node session ends.
type StopCause int

const (
	// CauseIdle means the two-phase lifetime lapsed: either no client
	// request arrived within the initial window, or the idle window passed
	// without traffic.
	CauseIdle StopCause = iota
	// CauseClientClose means the client deleted the session or closed its
	// last window.
	CauseClientClose
	// CauseExternal means the process was told to stop from outside.
	CauseExternal
)

// TerminationReason maps a stop cause onto the lifecycle event taxonomy.
func (c StopCause) TerminationReason() event.TerminationReason {
	switch c {
	case CauseIdle:
		return event.TerminationReason{Kind: event.ReasonIdleTimeoutReached}
	case CauseClientClose:
		return event.ClosedByClient("session closed by client")
	default:
		return event.TerminationReason{Kind: event.ReasonTerminatedExternally}
	}
}

// Heart is the node's local lifetime: a two-phase timer. The initial window
// covers the gap between health and the first client request; every proxied
// request afterwards re-arms the idle window. When neither holds, the
// session is over.
type Heart struct {
	initial time.Duration
	idle    time.Duration
	resets  chan struct{}
	stops   chan StopCause
}

// NewHeart creates a heart with the given windows.
func NewHeart(initial, idle time.Duration) *Heart {
	return &Heart{
		initial: initial,
		idle:    idle,
		resets:  make(chan struct{}, 1),
		stops:   make(chan StopCause, 1),
	}
}

// Reset re-arms the idle window. Called on every proxied request; cheap and
// non-blocking.
func (h *Heart) Reset() {
	select {
	case h.resets <- struct{}{}:
	default:
	}
}

// Stop ends the session with an explicit cause. The first cause wins.
func (h *Heart) Stop(cause StopCause) {
	select {
	case h.stops <- cause:
	default:
	}
}

// Wait blocks until the session's lifetime ends and returns why.
func (h *Heart) Wait(ctx context.Context) StopCause {
	timer := time.NewTimer(h.initial)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return CauseExternal
		case cause := <-h.stops:
			return cause
		case <-h.resets:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(h.idle)
		case <-timer.C:
			return CauseIdle
		}
	}
}
