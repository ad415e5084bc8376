// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
)

// Config tunes the scheduler's restart and shutdown behavior.
type Config struct {
	// BackoffBase is the first crash-restart delay. Default 500ms.
	BackoffBase time.Duration
	// BackoffCap bounds the delay growth. Default 1min.
	BackoffCap time.Duration
	// MaxRestarts bounds consecutive crash restarts before a job is
	// marked terminated. 0 means the default of 10.
	MaxRestarts int
	// GraceTimeout is how long graceful jobs get between termination
	// signal and context cancellation. Default 15s.
	GraceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = 15 * time.Second
	}
	return c
}

type supervised struct {
	job     Job
	manager *Manager
	done    chan struct{}
}

// Scheduler supervises submitted jobs until shut down.
type Scheduler struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu       sync.Mutex
	jobs     []*supervised
	shutdown bool
}

// NewScheduler creates a scheduler rooted in ctx. Cancelling ctx is a hard
// stop; Shutdown is the graceful path.
func NewScheduler(ctx context.Context, cfg Config) *Scheduler {
	sctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		ctx:    sctx,
		cancel: cancel,
		logger: log.WithComponent("jobs"),
	}
}

// Submit starts supervising a job. Returns the job's manager handle, mainly
// so tests can await readiness.
func (s *Scheduler) Submit(job Job) *Manager {
	sv := &supervised{
		job:     job,
		manager: newManager(job.Name()),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		close(sv.done)
		return sv.manager
	}
	s.jobs = append(s.jobs, sv)
	s.mu.Unlock()

	go s.supervise(sv)
	return sv.manager
}

// ScheduleAndWait submits jobs and blocks until every one signals Ready or
// ctx ends.
func (s *Scheduler) ScheduleAndWait(ctx context.Context, jobs ...Job) error {
	managers := make([]*Manager, 0, len(jobs))
	for _, j := range jobs {
		managers = append(managers, s.Submit(j))
	}
	for _, m := range managers {
		select {
		case <-m.ready:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) supervise(sv *supervised) {
	defer close(sv.done)
	logger := s.logger.With().Str(log.FieldJob, sv.job.Name()).Logger()

	crashes := 0
	for {
		err := sv.job.Run(s.ctx, sv.manager)
		switch {
		case s.ctx.Err() != nil:
			return
		case err == nil:
			logger.Info().Msg("job completed")
			return
		case errors.Is(err, context.Canceled):
			return
		case IsResourceLost(err):
			// Resource death is not the job's fault; restart without
			// counting it, but still yield briefly.
			metrics.JobRestarts.WithLabelValues(sv.job.Name(), "resource").Inc()
			logger.Warn().Err(err).Msg("job lost its resource, restarting")
			crashes = 0
			if !s.pause(s.cfg.BackoffBase) {
				return
			}
		default:
			crashes++
			if crashes > s.cfg.MaxRestarts {
				logger.Error().
					Err(err).
					Int("restarts", crashes-1).
					Msg("job terminated: crash budget exhausted")
				return
			}
			delay := s.cfg.BackoffBase << (crashes - 1)
			if delay > s.cfg.BackoffCap {
				delay = s.cfg.BackoffCap
			}
			metrics.JobRestarts.WithLabelValues(sv.job.Name(), "crash").Inc()
			logger.Warn().
				Err(err).
				Dur("backoff", delay).
				Int("crash", crashes).
				Msg("job crashed, restarting")
			if !s.pause(delay) {
				return
			}
		}
	}
}

func (s *Scheduler) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Shutdown delivers termination signals to graceful jobs, waits up to the
// grace timeout for everything to finish, then cancels the remainder.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.awaitAll(context.Background())
		return
	}
	s.shutdown = true
	jobs := make([]*supervised, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	s.logger.Info().Int("jobs", len(jobs)).Msg("graceful shutdown")
	for _, sv := range jobs {
		if sv.job.Graceful() {
			close(sv.manager.term)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GraceTimeout)
	defer cancel()
	s.awaitAll(ctx)

	s.cancel()
	s.awaitAll(context.Background())
}

func (s *Scheduler) awaitAll(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]*supervised, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()
	for _, sv := range jobs {
		select {
		case <-sv.done:
		case <-ctx.Done():
			return
		}
	}
}

// Terminated reports whether shutdown has begun. The status server uses it.
func (s *Scheduler) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// AllReady reports whether every submitted job has signalled readiness.
func (s *Scheduler) AllReady() bool {
	s.mu.Lock()
	jobs := make([]*supervised, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()
	for _, sv := range jobs {
		select {
		case <-sv.manager.ready:
		default:
			return false
		}
	}
	return true
}
