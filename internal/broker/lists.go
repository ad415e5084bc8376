// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LPush prepends values to a list.
func (b *Broker) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return b.client.LPush(ctx, key, args...).Err()
}

// RPush appends values to a list.
func (b *Broker) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return b.client.RPush(ctx, key, args...).Err()
}

// LPop removes and returns the head of a list. The bool reports whether a
// value was present.
func (b *Broker) LPop(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// LIndex returns the element at index.
func (b *Broker) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	val, err := b.client.LIndex(ctx, key, index).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// LLen returns the list length.
func (b *Broker) LLen(ctx context.Context, key string) (int64, error) {
	return b.client.LLen(ctx, key).Result()
}

// LRange returns the elements between start and stop inclusive.
func (b *Broker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.LRange(ctx, key, start, stop).Result()
}

// LRem removes count occurrences of value.
func (b *Broker) LRem(ctx context.Context, key string, count int64, value string) error {
	return b.client.LRem(ctx, key, count, value).Err()
}

// LMove pops from the left of source and appends to dest atomically. The
// bool reports whether source held an element.
func (b *Broker) LMove(ctx context.Context, source, dest string) (string, bool, error) {
	val, err := b.client.LMove(ctx, source, dest, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// BLPop blocks until any of keys yields a head element or timeout passes.
// Returns the key that produced the value plus the value. Timeout surfaces
// as ErrTimeout.
func (b *Broker) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := b.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrTimeout
	}
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", errors.New("broker: unexpected BLPOP reply shape")
	}
	return res[0], res[1], nil
}

// BRPopLPush blocks until source yields a tail element, pushes it onto dest
// and returns it. Timeout surfaces as ErrTimeout. With source == dest the
// popped element survives as a marker, which is how the scheduling handshake
// keeps the accepting provisioner's id visible.
func (b *Broker) BRPopLPush(ctx context.Context, source, dest string, timeout time.Duration) (string, error) {
	val, err := b.client.BRPopLPush(ctx, source, dest, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTimeout
	}
	return val, err
}
