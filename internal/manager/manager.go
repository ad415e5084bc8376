// SPDX-License-Identifier: MIT

// Package manager drives one session's startup from the frontdoor side:
// allocate, queue for a slot, await scheduling, await node health, hand
// off. One task runs per POST /session; every transition is logged under
// the session id with a fixed code taxonomy so operators can tell queue
// starvation from provisioner failures from driver boot failures.
package manager

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/heartbeat"
)

// Store is the broker surface the manager drives sessions through.
type Store interface {
	broker.KV
	broker.Lists
}

// Beats is the heartbeat subset a session task needs.
type Beats interface {
	AddBeat(key string, refreshEvery, expireAfter time.Duration)
	StopBeat(key string)
}

var _ Beats = (*heartbeat.Engine)(nil)

// Defaults for the operator-tunable timeouts, overridable at use time via
// broker settings.
const (
	DefaultQueueTimeout       = 300 * time.Second
	DefaultSchedulingTimeout  = 300 * time.Second
	DefaultNodeStartupTimeout = 120 * time.Second

	managerBeatRefresh = 15 * time.Second
	managerBeatExpire  = 30 * time.Second

	healthPollInterval = 250 * time.Millisecond
)

// Service accepts session creation requests and runs their tasks.
type Service struct {
	store     Store
	beats     Beats
	publisher *event.Publisher
	settings  *config.Provider
	health    *http.Client
}

// New creates the manager service.
func New(store Store, beats Beats, publisher *event.Publisher, settings *config.Provider) *Service {
	return &Service{
		store:     store,
		beats:     beats,
		publisher: publisher,
		settings:  settings,
		health:    &http.Client{Timeout: time.Second},
	}
}

// Router returns the manager's HTTP surface. Session creation is
// rate-limited per client IP; the grid performs no authentication.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.With(httprate.LimitByIP(60, time.Minute)).Post("/session", s.handleCreate)
	return r
}

func (s *Service) queueTimeout(ctx context.Context) time.Duration {
	return s.settings.Duration(ctx, config.SettingQueueTimeout, DefaultQueueTimeout)
}

func (s *Service) schedulingTimeout(ctx context.Context) time.Duration {
	return s.settings.Duration(ctx, config.SettingSchedulingTimeout, DefaultSchedulingTimeout)
}

func (s *Service) nodeStartupTimeout(ctx context.Context) time.Duration {
	return s.settings.Duration(ctx, config.SettingNodeStartupTimeout, DefaultNodeStartupTimeout)
}
