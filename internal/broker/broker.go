// SPDX-License-Identifier: MIT

// Package broker is the grid's shared-state backbone: a Redis-backed store
// offering keyed values with TTLs, atomic multi-key scripts, streams with
// consumer groups, pub/sub, blocking list pops and keyspace notifications.
// Components depend on the narrow interfaces declared here, never on go-redis
// directly.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/log"
)

// ErrTimeout reports that a blocking operation reached its deadline without
// a result. Callers translate it into their own failure taxonomy.
var ErrTimeout = errors.New("broker: blocking operation timed out")

// KV is the mapping-store surface.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Counters is the distributed-counter surface.
type Counters interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	CounterValue(ctx context.Context, key string) (int64, error)
}

// Lists is the list surface, including the blocking pops the session queue
// is built on.
type Lists interface {
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LIndex(ctx context.Context, key string, index int64) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error
	LMove(ctx context.Context, source, dest string) (string, bool, error)
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error)
	BRPopLPush(ctx context.Context, source, dest string, timeout time.Duration) (string, error)
}

// PubSub is the notification surface.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)
	PSubscribe(ctx context.Context, patterns ...string) (*Subscription, error)
}

// Streams is the at-least-once event surface.
type Streams interface {
	Append(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Message, error)
}

// Options configures the broker connection.
type Options struct {
	// URL is a redis:// connection URL.
	URL string
	// DialTimeout bounds connection establishment. Default 5s.
	DialTimeout time.Duration
	// PoolSize bounds pooled connections. Default 10.
	PoolSize int
}

// Broker is the Redis implementation of every broker surface.
type Broker struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection with a ping. Blocking
// commands manage their own read deadlines inside go-redis, so the pooled
// read timeout stays short.
func New(opts Options) (*Broker, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		redisOpts.DialTimeout = opts.DialTimeout
	} else {
		redisOpts.DialTimeout = 5 * time.Second
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	} else {
		redisOpts.PoolSize = 10
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger := log.WithComponent("broker")
	logger.Info().
		Str("addr", redisOpts.Addr).
		Int("db", redisOpts.DB).
		Msg("connected to broker")

	return &Broker{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests and by roles that
// share one connection pool.
func NewWithClient(client *redis.Client) *Broker {
	return &Broker{client: client, logger: log.WithComponent("broker")}
}

// Ping verifies the connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}
