// SPDX-License-Identifier: MIT

package routing

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
)

// Store is the broker subset the watcher reads endpoint records through.
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// PubSub is the notification subset the watcher subscribes through.
type PubSub interface {
	PSubscribe(ctx context.Context, patterns ...string) (*broker.Subscription, error)
}

// Watcher feeds a Table from keyspace notifications. A heartbeat refresh
// ("expire" event) inserts the owner's endpoint; a TTL lapse ("expired"
// event) removes it.
type Watcher struct {
	store  Store
	pubsub PubSub
	table  *Table
	db     int
	logger zerolog.Logger
}

// NewWatcher creates a watcher over broker database db.
func NewWatcher(store Store, pubsub PubSub, table *Table, db int) *Watcher {
	return &Watcher{
		store:  store,
		pubsub: pubsub,
		table:  table,
		db:     db,
		logger: log.WithComponent("routing"),
	}
}

// Run subscribes and applies notifications until ctx is done. Callers must
// have verified keyspace notifications first (broker.EnsureKeyspaceEvents);
// without them this loop would idle forever on an empty table.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.pubsub.PSubscribe(ctx,
		broker.KeyeventChannel(w.db, "expire"),
		broker.KeyeventChannel(w.db, "expired"),
	)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()
	w.logger.Info().Int("db", w.db).Msg("routing watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errors.New("routing: keyspace subscription closed")
			}
			w.apply(ctx, msg)
		}
	}
}

func (w *Watcher) apply(ctx context.Context, msg broker.PubSubMessage) {
	roleName, id, ok := keys.RoleHeartbeat(msg.Payload)
	if !ok {
		return
	}
	role := Role(roleName)

	if msg.Channel == broker.KeyeventChannel(w.db, "expired") {
		w.table.Remove(role, id)
		w.logger.Debug().
			Str("role", roleName).
			Str(log.FieldKey, msg.Payload).
			Msg("endpoint removed")
		return
	}

	endpoint, err := w.endpointFor(ctx, role, id)
	if err != nil {
		w.logger.Warn().
			Err(err).
			Str("role", roleName).
			Str(log.FieldKey, msg.Payload).
			Msg("endpoint record fetch failed")
		return
	}
	if endpoint == "" {
		// Heartbeat beat the upstream record; the next refresh fills it in.
		return
	}
	w.table.Insert(role, id, endpoint)
}

func (w *Watcher) endpointFor(ctx context.Context, role Role, id string) (string, error) {
	var key string
	switch role {
	case RoleManager:
		key = keys.ManagerUpstream(id)
	case RoleNode:
		key = keys.SessionUpstream(id)
	case RoleStorage:
		key = keys.StorageUpstream(id)
	case RoleAPI:
		key = keys.APIUpstream(id)
	default:
		return "", nil
	}
	record, err := w.store.HGetAll(ctx, key)
	if err != nil {
		return "", err
	}
	host := record[keys.UpstreamHost]
	port := record[keys.UpstreamPort]
	if host == "" || port == "" {
		return "", nil
	}
	return net.JoinHostPort(host, port), nil
}
