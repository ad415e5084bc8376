// SPDX-License-Identifier: MIT

package broker

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// PubSubMessage is one delivered pub/sub payload. Pattern is set only for
// pattern subscriptions.
type PubSubMessage struct {
	Channel string
	Pattern string
	Payload string
}

// Subscription is a live pub/sub subscription. Close it when done; the
// message channel closes afterwards.
type Subscription struct {
	ps  *redis.PubSub
	out chan PubSubMessage
}

// Messages returns the delivery channel. It closes when the subscription is
// closed or the underlying connection dies.
func (s *Subscription) Messages() <-chan PubSubMessage {
	return s.out
}

// Close tears the subscription down.
func (s *Subscription) Close() error {
	return s.ps.Close()
}

func (b *Broker) newSubscription(ps *redis.PubSub) *Subscription {
	sub := &Subscription{ps: ps, out: make(chan PubSubMessage, 64)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- PubSubMessage{
				Channel: msg.Channel,
				Pattern: msg.Pattern,
				Payload: msg.Payload,
			}
		}
	}()
	return sub
}

// Publish sends a payload to every subscriber of channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a channel subscription. The call returns once the broker
// has confirmed it, so a Publish after Subscribe is guaranteed to be seen.
func (b *Broker) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return b.newSubscription(ps), nil
}

// PSubscribe opens a pattern subscription with the same confirmation
// guarantee as Subscribe.
func (b *Broker) PSubscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	ps := b.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return b.newSubscription(ps), nil
}
