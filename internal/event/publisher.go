// SPDX-License-Identifier: MIT

package event

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/log"
)

// Publisher appends lifecycle events to their queues.
type Publisher struct {
	streams broker.Streams
	logger  zerolog.Logger
}

// NewPublisher creates a publisher over a broker stream surface.
func NewPublisher(streams broker.Streams) *Publisher {
	return &Publisher{streams: streams, logger: log.WithComponent("event")}
}

// Publish appends one event.
func (p *Publisher) Publish(ctx context.Context, queue Queue, payload any) error {
	values, err := Encode(payload)
	if err != nil {
		return err
	}
	id, err := p.streams.Append(ctx, queue.Name, queue.Retention, values)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue.Name, err)
	}
	p.logger.Debug().
		Str(log.FieldQueue, queue.Name).
		Str("entry", id).
		Msg("event published")
	return nil
}

// Terminated publishes session.terminated with the given reason. Shared by
// every component that finalizes sessions.
func (p *Publisher) Terminated(ctx context.Context, sessionID string, reason TerminationReason, recordingBytes int64) error {
	return p.Publish(ctx, SessionTerminated, SessionTerminatedPayload{
		ID:             sessionID,
		Reason:         reason,
		RecordingBytes: recordingBytes,
	})
}
