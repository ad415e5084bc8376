// SPDX-License-Identifier: MIT

// Package heartbeat implements the TTL'd liveness keys every grid component
// signals with. One engine runs per process; beats are refreshed on a
// shared one-second tick so a process with many beats still issues a
// bounded number of broker writes.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
)

// Store is the broker subset the engine writes through. Set and Expire are
// separate calls so the broker emits an "expire" keyevent on every refresh,
// which is what the routing watcher listens for.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// shutdownTTL is written to every tracked key during graceful shutdown so
// peers classify the owner as gone within a second instead of a full
// expireAfter window.
const shutdownTTL = time.Second

type beat struct {
	key          string
	value        string // "" means refresh-time RFC3339 timestamp
	refreshTicks int
	expireAfter  time.Duration
	passed       int
}

type command struct {
	add    *beat
	remove string
	force  bool
}

// Engine refreshes registered beats until its context ends, then expires
// them all.
type Engine struct {
	store  Store
	tick   time.Duration
	cmds   chan command
	logger zerolog.Logger
}

// New creates an engine on the standard one-second tick.
func New(store Store) *Engine {
	return newEngine(store, time.Second)
}

func newEngine(store Store, tick time.Duration) *Engine {
	return &Engine{
		store:  store,
		tick:   tick,
		cmds:   make(chan command, 16),
		logger: log.WithComponent("heartbeat"),
	}
}

// AddBeat registers a beat refreshed every refreshEvery with TTL
// expireAfter, carrying the refresh timestamp as value. The first write
// happens at the next tick boundary. expireAfter must exceed refreshEvery
// or the key flickers between refreshes.
func (e *Engine) AddBeat(key string, refreshEvery, expireAfter time.Duration) {
	e.AddBeatValue(key, "", refreshEvery, expireEnsure(refreshEvery, expireAfter))
}

// AddBeatValue registers a beat carrying a constant value, used where the
// key doubles as an endpoint record.
func (e *Engine) AddBeatValue(key, value string, refreshEvery, expireAfter time.Duration) {
	ticks := int(refreshEvery / e.tick)
	if ticks < 1 {
		ticks = 1
	}
	e.cmds <- command{add: &beat{
		key:          key,
		value:        value,
		refreshTicks: ticks,
		expireAfter:  expireEnsure(refreshEvery, expireAfter),
	}}
}

// StopBeat unregisters a beat and expires its key at the next tick.
func (e *Engine) StopBeat(key string) {
	e.cmds <- command{remove: key}
}

// ForceRefresh refreshes every tracked beat at the next tick regardless of
// cadence. Used after broker reconnects.
func (e *Engine) ForceRefresh() {
	e.cmds <- command{force: true}
}

// Run drives the tick loop until ctx is done, then expires every tracked
// beat so peers observe the shutdown promptly. Always returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	beats := make(map[string]*beat)
	var stopped []string
	force := false

	for {
		select {
		case <-ctx.Done():
			e.shutdown(beats)
			return ctx.Err()
		case <-ticker.C:
			// Pending operations apply at tick boundaries only.
			for {
				select {
				case cmd := <-e.cmds:
					switch {
					case cmd.add != nil:
						beats[cmd.add.key] = cmd.add
					case cmd.remove != "":
						delete(beats, cmd.remove)
						stopped = append(stopped, cmd.remove)
					case cmd.force:
						force = true
					}
					continue
				default:
				}
				break
			}

			for _, key := range stopped {
				if err := e.store.Expire(ctx, key, shutdownTTL); err != nil {
					e.logger.Warn().Err(err).Str(log.FieldKey, key).Msg("beat stop failed")
				}
			}
			stopped = stopped[:0]

			for _, bt := range beats {
				if force || bt.passed%bt.refreshTicks == 0 {
					e.refresh(ctx, bt)
				}
				bt.passed++
			}
			force = false
		}
	}
}

func (e *Engine) refresh(ctx context.Context, bt *beat) {
	value := bt.value
	if value == "" {
		value = time.Now().UTC().Format(time.RFC3339)
	}
	if err := e.store.Set(ctx, bt.key, value, 0); err != nil {
		metrics.HeartbeatFailures.Inc()
		e.logger.Warn().Err(err).Str(log.FieldKey, bt.key).Msg("beat refresh failed")
		return
	}
	if err := e.store.Expire(ctx, bt.key, bt.expireAfter); err != nil {
		e.logger.Warn().Err(err).Str(log.FieldKey, bt.key).Msg("beat expire failed")
	}
}

// shutdown expires every beat with a short TTL. The background context
// bounds the writes because the run context is already cancelled.
func (e *Engine) shutdown(beats map[string]*beat) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for key := range beats {
		if err := e.store.Expire(ctx, key, shutdownTTL); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldKey, key).Msg("beat shutdown expire failed")
		}
	}
	if len(beats) > 0 {
		e.logger.Info().Int("beats", len(beats)).Msg("heartbeats expired for shutdown")
	}
}

func expireEnsure(refreshEvery, expireAfter time.Duration) time.Duration {
	if expireAfter <= refreshEvery {
		return refreshEvery * 2
	}
	return expireAfter
}
