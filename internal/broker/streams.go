// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one stream entry delivered to a consumer group member. It must
// be acknowledged once processed; unacknowledged entries are redelivered by
// AutoClaim after their idle time passes.
type Message struct {
	ID     string
	Stream string
	Values map[string]string
}

// Append adds an entry to a stream, trimming it to roughly maxLen entries.
// maxLen <= 0 disables trimming.
func (b *Broker) Append(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group at the start of the stream, creating
// the stream itself when absent. Safe to call on every startup; an existing
// group is left untouched so its cursor survives restarts.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensure group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup blocks up to block for new entries addressed to the group and
// returns them without acknowledging. An empty slice means the block timed
// out; callers loop.
func (b *Broker) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s on %s: %w", group, stream, err)
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toMessage(s.Stream, m))
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (b *Broker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XAck(ctx, stream, group, ids...).Err()
}

// AutoClaim transfers entries that have been pending longer than minIdle to
// this consumer. This is what keeps at-least-once delivery alive across
// consumer death.
func (b *Broker) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Message, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    64,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("autoclaim %s on %s: %w", group, stream, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(stream, m))
	}
	return out, nil
}

func toMessage(stream string, m redis.XMessage) Message {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprint(v)
		}
	}
	return Message{ID: m.ID, Stream: stream, Values: values}
}
