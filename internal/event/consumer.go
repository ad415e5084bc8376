// SPDX-License-Identifier: MIT

package event

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/log"
)

const (
	readBlock     = 5 * time.Second
	readBatch     = 16
	claimInterval = time.Minute
	claimMinIdle  = time.Minute
)

// Handler processes one delivered event. Returning nil acknowledges the
// entry. Returning an error wrapped in Unrecoverable acknowledges it anyway
// (the event can never succeed); any other error aborts the consumer so the
// job runtime restarts it and the entry is redelivered.
type Handler func(ctx context.Context, msg broker.Message) error

type unrecoverable struct{ err error }

func (u unrecoverable) Error() string { return u.err.Error() }
func (u unrecoverable) Unwrap() error { return u.err }

// Unrecoverable marks an error as specific to this event: the entry is
// acknowledged and skipped instead of being retried forever.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverable{err: err}
}

// Consumer drives a consumer-group member over one queue.
type Consumer struct {
	streams  broker.Streams
	queue    Queue
	group    string
	consumer string
	handler  Handler
	logger   zerolog.Logger
}

// NewConsumer builds a consumer. group names the consumer group; consumer
// names this member within it (typically the process instance id).
func NewConsumer(streams broker.Streams, queue Queue, group, consumer string, handler Handler) *Consumer {
	return &Consumer{
		streams:  streams,
		queue:    queue,
		group:    group,
		consumer: consumer,
		handler:  handler,
		logger: log.WithComponent("event").With().
			Str(log.FieldQueue, queue.Name).
			Str("group", group).
			Logger(),
	}
}

// Run consumes until ctx is done. The group is created on entry; pending
// entries abandoned by dead members are reclaimed periodically so delivery
// stays at-least-once across restarts.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.streams.EnsureGroup(ctx, c.queue.Name, c.group); err != nil {
		return err
	}

	nextClaim := time.Now().Add(claimInterval)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(nextClaim) {
			claimed, err := c.streams.AutoClaim(ctx, c.queue.Name, c.group, c.consumer, claimMinIdle)
			if err != nil {
				return err
			}
			if len(claimed) > 0 {
				c.logger.Info().Int("count", len(claimed)).Msg("reclaimed pending entries")
			}
			if err := c.dispatch(ctx, claimed); err != nil {
				return err
			}
			nextClaim = time.Now().Add(claimInterval)
		}

		msgs, err := c.streams.ReadGroup(ctx, c.queue.Name, c.group, c.consumer, readBatch, readBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}
		if err := c.dispatch(ctx, msgs); err != nil {
			return err
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msgs []broker.Message) error {
	for _, msg := range msgs {
		err := c.handler(ctx, msg)
		if err != nil {
			var u unrecoverable
			if !errors.As(err, &u) {
				return err
			}
			c.logger.Warn().
				Err(u.err).
				Str("entry", msg.ID).
				Msg("event skipped")
		}
		if ackErr := c.streams.Ack(ctx, c.queue.Name, c.group, msg.ID); ackErr != nil {
			return ackErr
		}
	}
	return nil
}
