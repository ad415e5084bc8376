// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Fan-in request/response over pub/sub. A requestor broadcasts a payload on
// a well-known channel; every listening responder may reply on a
// per-request reply channel. The requestor collects replies with a split
// timeout: wait up to first for the initial reply, then keep collecting
// until quiet passes without a new one.

// ErrNoResponders reports that the first-response window elapsed without a
// single reply.
var ErrNoResponders = errors.New("broker: no responders")

const (
	requestChannelPrefix = "rr:"
	replyChannelPrefix   = "rr-reply:"
)

type requestEnvelope struct {
	ReplyTo string `json:"replyTo"`
	Payload string `json:"payload"`
}

// Requestor broadcasts requests and collects bounded response sets.
type Requestor interface {
	Request(ctx context.Context, queue string, payload []byte, limit int, first, quiet time.Duration) ([][]byte, error)
}

// Responder answers broadcast requests for one queue.
type Responder interface {
	Respond(ctx context.Context, queue string, handle func(ctx context.Context, payload []byte) ([]byte, bool)) error
}

// Request broadcasts payload on queue and returns the collected replies.
// limit <= 0 means unbounded; collection still ends at the quiet window.
func (b *Broker) Request(ctx context.Context, queue string, payload []byte, limit int, first, quiet time.Duration) ([][]byte, error) {
	replyTo := replyChannelPrefix + uuid.NewString()
	sub, err := b.Subscribe(ctx, replyTo)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Close() }()

	env, err := json.Marshal(requestEnvelope{ReplyTo: replyTo, Payload: string(payload)})
	if err != nil {
		return nil, err
	}
	if err := b.Publish(ctx, requestChannelPrefix+queue, env); err != nil {
		return nil, err
	}

	var replies [][]byte
	deadline := time.NewTimer(first)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			if len(replies) > 0 {
				return replies, nil
			}
			return nil, ctx.Err()
		case <-deadline.C:
			if len(replies) == 0 {
				return nil, ErrNoResponders
			}
			return replies, nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if len(replies) > 0 {
					return replies, nil
				}
				return nil, errors.New("broker: reply subscription closed")
			}
			replies = append(replies, []byte(msg.Payload))
			if limit > 0 && len(replies) >= limit {
				return replies, nil
			}
			// First reply arrived; from here on only the quiet window
			// extends collection.
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(quiet)
		}
	}
}

// Respond subscribes to queue's request channel and answers each request
// with handle's payload. handle returning false suppresses the reply, which
// is how responders decline without noise. Blocks until ctx is done.
func (b *Broker) Respond(ctx context.Context, queue string, handle func(ctx context.Context, payload []byte) ([]byte, bool)) error {
	sub, err := b.Subscribe(ctx, requestChannelPrefix+queue)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("broker: request subscription closed")
			}
			var env requestEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Str("queue", queue).Msg("malformed request envelope")
				continue
			}
			reply, ok := handle(ctx, []byte(env.Payload))
			if !ok {
				continue
			}
			if err := b.Publish(ctx, env.ReplyTo, reply); err != nil {
				b.logger.Warn().Err(err).Str("queue", queue).Msg("reply publish failed")
			}
		}
	}
}
