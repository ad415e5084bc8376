// SPDX-License-Identifier: MIT

// Package gc is the grid's reaper: a periodic task that restores the
// liveness invariant (every active session has a live heartbeat), purges
// terminated sessions past retention and removes provisioners that
// disappeared without deregistering. All passes are idempotent and safe to
// run concurrently with normal operation; the termination script's
// idempotence gate resolves races with regular teardown.
package gc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
)

const (
	// DefaultInterval paces the reaper; it trades cleanup latency against
	// broker load and nothing else.
	DefaultInterval = 5 * time.Minute
	// DefaultRetention keeps terminated session records around long enough
	// for the archive and for operator inspection.
	DefaultRetention = 24 * time.Hour

	// purgesPerSecond paces retention deletes so a large backlog does not
	// monopolize the broker.
	purgesPerSecond = 50
)

// Store is the broker surface the reaper works on.
type Store interface {
	broker.KV
	broker.Scripter
}

// Service runs the reaper passes.
type Service struct {
	store     Store
	publisher *event.Publisher
	settings  *config.Provider
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// New creates the reaper.
func New(store Store, publisher *event.Publisher, settings *config.Provider) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		settings:  settings,
		limiter:   rate.NewLimiter(rate.Limit(purgesPerSecond), purgesPerSecond),
		logger:    log.WithComponent("gc"),
	}
}

// Job wraps the periodic run for the job runtime.
func (s *Service) Job() jobs.Job {
	return jobs.JobFunc{
		JobName: "gc",
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			for {
				interval := s.settings.Duration(ctx, config.SettingGCInterval, DefaultInterval)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
					if err := s.RunOnce(ctx); err != nil {
						s.logger.Warn().Err(err).Msg("gc pass failed")
					}
				}
			}
		},
	}
}

// RunOnce executes all three passes.
func (s *Service) RunOnce(ctx context.Context) error {
	if err := s.reapDeadSessions(ctx); err != nil {
		return err
	}
	if err := s.purgeExpiredSessions(ctx); err != nil {
		return err
	}
	return s.purgeDeadProvisioners(ctx)
}

// reapDeadSessions terminates active sessions that lost both heartbeats:
// nobody is driving the startup anymore and no node is serving it.
func (s *Service) reapDeadSessions(ctx context.Context) error {
	active, err := s.store.SMembers(ctx, keys.SessionsActive)
	if err != nil {
		return err
	}
	metrics.ActiveSessions.Set(float64(len(active)))
	for _, id := range active {
		manager, err := s.store.Exists(ctx, keys.SessionHeartbeatManager(id))
		if err != nil {
			return err
		}
		node, err := s.store.Exists(ctx, keys.SessionHeartbeatNode(id))
		if err != nil {
			return err
		}
		if manager || node {
			continue
		}

		res, err := s.store.TerminateSession(ctx, id, time.Now())
		if err != nil {
			return err
		}
		if !res.Terminated {
			// Lost the race against a regular teardown; nothing to report.
			continue
		}
		s.logger.Info().Str(log.FieldSessionID, id).Msg("reaped session without heartbeats")
		metrics.GCReaped.WithLabelValues("dead").Inc()
		if err := s.publisher.Terminated(ctx, id,
			event.TerminationReason{Kind: event.ReasonTerminatedExternally, Message: "session lost all heartbeats"}, 0); err != nil {
			return err
		}
	}
	return nil
}

// purgeExpiredSessions deletes every key of terminated sessions whose
// terminatedAt is past retention. Paced so bulk expiry cannot stall the
// broker.
func (s *Service) purgeExpiredSessions(ctx context.Context) error {
	retention := s.settings.Duration(ctx, config.SettingRetention, DefaultRetention)
	cutoff := time.Now().Add(-retention)

	terminated, err := s.store.SMembers(ctx, keys.SessionsTerminated)
	if err != nil {
		return err
	}
	for _, id := range terminated {
		stamp, err := s.store.HGet(ctx, keys.SessionStatus(id), keys.StatusTerminatedAt)
		if err != nil {
			return err
		}
		if stamp != "" {
			at, err := time.Parse(time.RFC3339, stamp)
			if err == nil && at.After(cutoff) {
				continue
			}
		}
		// Missing or unparseable stamps purge immediately; the record is
		// already beyond repair.
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.purgeKeys(ctx, keys.SessionKeyPattern(id)); err != nil {
			return err
		}
		if err := s.store.SRem(ctx, keys.SessionsTerminated, id); err != nil {
			return err
		}
		s.logger.Debug().Str(log.FieldSessionID, id).Msg("purged expired session")
		metrics.GCReaped.WithLabelValues("purged").Inc()
	}
	return nil
}

// purgeDeadProvisioners removes registrations of provisioners that stopped
// heartbeating and carry no retain marker. The retain marker keeps slot
// state across deliberate restarts.
func (s *Service) purgeDeadProvisioners(ctx context.Context) error {
	provisioners, err := s.store.SMembers(ctx, keys.Orchestrators)
	if err != nil {
		return err
	}
	for _, id := range provisioners {
		alive, err := s.store.Exists(ctx, keys.OrchestratorHeartbeat(id))
		if err != nil {
			return err
		}
		if alive {
			continue
		}
		retained, err := s.store.Exists(ctx, keys.OrchestratorRetain(id))
		if err != nil {
			return err
		}
		if retained {
			continue
		}

		if err := s.purgeKeys(ctx, keys.OrchestratorKeyPattern(id)); err != nil {
			return err
		}
		if err := s.store.SRem(ctx, keys.Orchestrators, id); err != nil {
			return err
		}
		s.logger.Info().Str(log.FieldProvisioner, id).Msg("purged dead provisioner")
		metrics.GCReaped.WithLabelValues("provisioners").Inc()
	}
	return nil
}

func (s *Service) purgeKeys(ctx context.Context, pattern string) error {
	matched, err := s.store.ScanKeys(ctx, pattern)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}
	return s.store.Del(ctx, matched...)
}
