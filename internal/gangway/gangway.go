// SPDX-License-Identifier: MIT

// Package gangway is the event-driven frontdoor: a creation request becomes
// a session.created event, and the HTTP response is correlated back from
// the lifecycle stream instead of being driven by a per-session task. This
// keeps the frontdoor stateless apart from the bounded waiter table, so
// instances scale horizontally and a crash loses at most the in-flight
// responses.
package gangway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
	"github.com/webgrid/webgrid/internal/webdriver"
)

const (
	gangwayBeatRefresh = 15 * time.Second
	gangwayBeatExpire  = 30 * time.Second
)

// Store is the broker surface the gangway persists sessions through.
type Store interface {
	broker.KV
}

// Beats is the heartbeat subset a pending creation needs.
type Beats interface {
	AddBeat(key string, refreshEvery, expireAfter time.Duration)
	StopBeat(key string)
}

// Service accepts session creation requests and answers them from the
// event stream.
type Service struct {
	store      Store
	streams    broker.Streams
	beats      Beats
	publisher  *event.Publisher
	settings   *config.Provider
	correlator *Correlator
	instance   string
}

// New creates the gangway. instance names this process; its event
// consumers run in a group of their own so each instance sees the full
// lifecycle stream.
func New(store Store, streams broker.Streams, beats Beats, publisher *event.Publisher,
	settings *config.Provider, instance string) (*Service, error) {
	correlator, err := NewCorrelator()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:      store,
		streams:    streams,
		beats:      beats,
		publisher:  publisher,
		settings:   settings,
		correlator: correlator,
		instance:   instance,
	}, nil
}

// Correlator exposes the waiter table, mainly for wiring and tests.
func (s *Service) Correlator() *Correlator { return s.correlator }

// Router returns the gangway's HTTP surface. Creation is rate-limited per
// client IP as a DoS bound; the grid performs no authentication.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.With(httprate.LimitByIP(60, time.Minute)).Post("/session", s.handleCreate)
	return r
}

// Jobs returns the lifecycle consumers feeding the correlator.
func (s *Service) Jobs() []jobs.Job {
	return []jobs.Job{
		s.consumerJob("gangway-operational", event.SessionOperational, s.correlator.HandleOperational),
		s.consumerJob("gangway-terminated", event.SessionTerminated, s.correlator.HandleTerminated),
	}
}

func (s *Service) consumerJob(name string, queue event.Queue, handler event.Handler) jobs.Job {
	return jobs.JobFunc{
		JobName: name,
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			// Group per instance: correlation state is process-local.
			c := event.NewConsumer(s.streams, queue, "gangway:"+s.instance, s.instance, handler)
			err := c.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// creationBudget is the whole startup pipeline's worth of waiting: queue,
// scheduling and node boot.
func (s *Service) creationBudget(ctx context.Context) time.Duration {
	return s.settings.Duration(ctx, config.SettingQueueTimeout, 300*time.Second) +
		s.settings.Duration(ctx, config.SettingSchedulingTimeout, 300*time.Second) +
		s.settings.Duration(ctx, config.SettingNodeStartupTimeout, 120*time.Second)
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		webdriver.WriteError(w, http.StatusBadRequest, webdriver.ErrSessionNotCreated, "unreadable request body")
		return
	}
	req, err := webdriver.ParseNewSessionRequest(body)
	if err != nil {
		webdriver.WriteError(w, http.StatusBadRequest, webdriver.ErrSessionNotCreated, err.Error())
		return
	}

	id := uuid.NewString()
	logger := log.WithSession("gangway", id)
	ctx := r.Context()

	// Register before publishing: the outcome may land before allocate
	// returns.
	outcome := s.correlator.Await(id)
	defer s.correlator.Forget(id)

	if err := s.allocate(ctx, id, r, req.Capabilities); err != nil {
		logger.Error().Err(err).Msg("session allocation failed")
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated, "allocation failed")
		return
	}
	s.beats.AddBeat(keys.SessionHeartbeatManager(id), gangwayBeatRefresh, gangwayBeatExpire)
	defer s.beats.StopBeat(keys.SessionHeartbeatManager(id))

	if err := s.publisher.Publish(ctx, event.SessionCreated, event.SessionCreatedPayload{
		ID:           id,
		Capabilities: req.Capabilities,
	}); err != nil {
		logger.Error().Err(err).Msg("creation event publish failed")
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated, "creation event failed")
		return
	}
	logger.Info().Msg("session created, awaiting outcome")
	metrics.SessionTransitions.WithLabelValues("queued").Inc()

	s.respond(ctx, logger, w, id, outcome, time.Now())
}

func (s *Service) respond(ctx context.Context, logger zerolog.Logger, w http.ResponseWriter,
	id string, outcome <-chan Outcome, startedAt time.Time) {
	budget := time.NewTimer(s.creationBudget(ctx))
	defer budget.Stop()

	select {
	case o := <-outcome:
		if o.Failure != nil {
			logger.Warn().
				Str(log.FieldReason, string(o.Failure.Kind)).
				Msg("session failed before health")
			metrics.SessionFailures.WithLabelValues(string(o.Failure.Kind)).Inc()
			webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated,
				terminationMessage(o.Failure))
			return
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := s.store.HSetNX(ctx, keys.SessionStatus(id), keys.StatusAliveAt, now); err != nil {
			logger.Warn().Err(err).Msg("aliveAt stamp failed")
		}
		logger.Info().Msg("session operational")
		metrics.SessionTransitions.WithLabelValues("operational").Inc()
		metrics.StartupSeconds.Observe(time.Since(startedAt).Seconds())
		webdriver.WriteSession(w, id, o.Actual)

	case <-budget.C:
		logger.Warn().Msg("session startup budget exhausted")
		metrics.SessionFailures.WithLabelValues("TIMEOUT").Inc()
		cause := errors.New("session did not become operational in time")
		if err := s.publisher.Terminated(ctx, id, event.StartupFailed(cause), 0); err != nil {
			logger.Error().Err(err).Msg("termination event publish failed")
		}
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated, cause.Error())

	case <-ctx.Done():
		// Client gone; nobody reads the response. The heartbeat lapses and
		// the reaper collects whatever the pipeline produced.
		logger.Info().Msg("client abandoned creation request")
	}
}

// allocate creates the session record and registers it as active, the same
// record shape the synchronous frontdoor writes.
func (s *Service) allocate(ctx context.Context, id string, r *http.Request, caps json.RawMessage) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.store.HSetNX(ctx, keys.SessionStatus(id), keys.StatusQueuedAt, now); err != nil {
		return err
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if err := s.store.HSet(ctx, keys.SessionDownstream(id), map[string]string{
		keys.DownstreamHost:      host,
		keys.DownstreamUserAgent: r.UserAgent(),
		keys.DownstreamLastSeen:  now,
	}); err != nil {
		return err
	}
	if err := s.store.HSet(ctx, keys.SessionCapabilities(id), map[string]string{
		keys.CapsRequested: string(caps),
	}); err != nil {
		return err
	}
	return s.store.SAdd(ctx, keys.SessionsActive, id)
}

func terminationMessage(reason *event.TerminationReason) string {
	detail := reason.Message
	if detail == "" {
		detail = reason.Error
	}
	if detail == "" {
		return string(reason.Kind)
	}
	return string(reason.Kind) + ": " + detail
}
