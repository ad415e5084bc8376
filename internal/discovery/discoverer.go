// SPDX-License-Identifier: MIT

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/log"
)

// ErrRetriesExceeded reports that no advertiser answered within the retry
// budget.
var ErrRetriesExceeded = errors.New("discovery: retries exceeded")

const (
	cacheSize    = 1024
	queryTimeout = 500 * time.Millisecond
	maxAttempts  = 4
)

// Endpoint is one resolved upstream. Unreachable drops it from the cache
// so the next lookup rediscovers.
type Endpoint struct {
	Addr       string
	descriptor string
	d          *Discoverer
}

// Unreachable removes this endpoint from the discoverer's cache.
func (e Endpoint) Unreachable() {
	if e.d != nil {
		e.d.forget(e.descriptor, e.Addr)
	}
}

type endpointSet struct {
	mu    sync.Mutex
	addrs []string
}

func (s *endpointSet) add(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addrs {
		if a == addr {
			return
		}
	}
	s.addrs = append(s.addrs, addr)
}

func (s *endpointSet) remove(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.addrs {
		if a == addr {
			s.addrs = append(s.addrs[:i], s.addrs[i+1:]...)
			return
		}
	}
}

func (s *endpointSet) pick() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.addrs) == 0 {
		return "", false
	}
	return s.addrs[rand.Intn(len(s.addrs))], true
}

// Discoverer resolves descriptors to endpoints through a passive cache fed
// by the global announcement channel, with on-demand queries on misses.
type Discoverer struct {
	pubsub broker.PubSub
	cache  *lru.Cache[string, *endpointSet]
	logger zerolog.Logger

	waiterMu sync.Mutex
	waiters  map[string][]chan string
}

// NewDiscoverer creates a discoverer. Run must be started for the passive
// cache and query replies to function.
func NewDiscoverer(pubsub broker.PubSub) (*Discoverer, error) {
	cache, err := lru.New[string, *endpointSet](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Discoverer{
		pubsub:  pubsub,
		cache:   cache,
		waiters: make(map[string][]chan string),
		logger:  log.WithComponent("discovery"),
	}, nil
}

// Run consumes the announcement channel, feeding the cache and waking
// pending lookups. Blocks until ctx is done.
func (d *Discoverer) Run(ctx context.Context) error {
	sub, err := d.pubsub.Subscribe(ctx, AnnouncementChannel)
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
				return errors.New("discovery: announcement subscription closed")
			}
			var ann announcement
			if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
				d.logger.Warn().Err(err).Msg("malformed announcement")
				continue
			}
			d.observe(ann.Descriptor, ann.Endpoint)
		}
	}
}

// Lookup resolves a descriptor. Cached endpoints are picked uniformly at
// random; on a miss a query is published and answered announcements are
// awaited, up to four attempts of 500ms each.
func (d *Discoverer) Lookup(ctx context.Context, descriptor Descriptor) (Endpoint, error) {
	key := descriptor.String()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if set, ok := d.cache.Get(key); ok {
			if addr, ok := set.pick(); ok {
				return Endpoint{Addr: addr, descriptor: key, d: d}, nil
			}
		}

		wake := d.addWaiter(key)
		if err := d.pubsub.Publish(ctx, QueryChannel(descriptor), []byte(key)); err != nil {
			d.removeWaiter(key, wake)
			return Endpoint{}, err
		}

		timer := time.NewTimer(queryTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.removeWaiter(key, wake)
			return Endpoint{}, ctx.Err()
		case addr := <-wake:
			timer.Stop()
			return Endpoint{Addr: addr, descriptor: key, d: d}, nil
		case <-timer.C:
			d.removeWaiter(key, wake)
		}
	}
	return Endpoint{}, ErrRetriesExceeded
}

func (d *Discoverer) observe(descriptor, endpoint string) {
	set, ok := d.cache.Get(descriptor)
	if !ok {
		set = &endpointSet{}
		d.cache.Add(descriptor, set)
	}
	set.add(endpoint)

	d.waiterMu.Lock()
	waiting := d.waiters[descriptor]
	delete(d.waiters, descriptor)
	d.waiterMu.Unlock()
	for _, ch := range waiting {
		select {
		case ch <- endpoint:
		default:
		}
	}
}

func (d *Discoverer) forget(descriptor, addr string) {
	if set, ok := d.cache.Get(descriptor); ok {
		set.remove(addr)
	}
	d.logger.Debug().
		Str("descriptor", descriptor).
		Str(log.FieldEndpoint, addr).
		Msg("endpoint flagged unreachable")
}

func (d *Discoverer) addWaiter(descriptor string) chan string {
	ch := make(chan string, 1)
	d.waiterMu.Lock()
	d.waiters[descriptor] = append(d.waiters[descriptor], ch)
	d.waiterMu.Unlock()
	return ch
}

func (d *Discoverer) removeWaiter(descriptor string, ch chan string) {
	d.waiterMu.Lock()
	defer d.waiterMu.Unlock()
	waiting := d.waiters[descriptor]
	for i, w := range waiting {
		if w == ch {
			d.waiters[descriptor] = append(waiting[:i], waiting[i+1:]...)
			return
		}
	}
}
