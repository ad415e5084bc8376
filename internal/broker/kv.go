// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Get returns the value at key, or "" when the key does not exist. Absence
// is not an error; use Exists when the distinction matters.
func (b *Broker) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Set writes a value. ttl == 0 means no expiry.
func (b *Broker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys. Missing keys are not an error.
func (b *Broker) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (b *Broker) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire sets a TTL on an existing key.
func (b *Broker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

// HSet writes hash fields.
func (b *Broker) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return b.client.HSet(ctx, key, args...).Err()
}

// HSetNX writes a hash field only if absent. Returns whether the write
// happened, which is how idempotence gates are built.
func (b *Broker) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return b.client.HSetNX(ctx, key, field, value).Result()
}

// HGet returns one hash field, or "" when field or key is missing.
func (b *Broker) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := b.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// HGetAll returns all hash fields. Missing keys yield an empty map.
func (b *Broker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.client.HGetAll(ctx, key).Result()
}

// SAdd adds members to a set.
func (b *Broker) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return b.client.SAdd(ctx, key, args...).Err()
}

// SRem removes members from a set.
func (b *Broker) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return b.client.SRem(ctx, key, args...).Err()
}

// SMembers returns all members of a set.
func (b *Broker) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key).Result()
}

// SIsMember reports set membership.
func (b *Broker) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return b.client.SIsMember(ctx, key, member).Result()
}

// ScanKeys collects every key matching pattern. Used by the garbage
// collector on bounded namespaces, never on hot paths.
func (b *Broker) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// IncrBy adjusts a counter and returns the new value.
func (b *Broker) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return b.client.IncrBy(ctx, key, delta).Result()
}

// CounterValue reads a counter, 0 when unset.
func (b *Broker) CounterValue(ctx context.Context, key string) (int64, error) {
	val, err := b.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}
