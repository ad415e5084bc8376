// SPDX-License-Identifier: MIT

// Package provisioner runs the slot-holding side of the grid: it advertises
// a fixed capacity of session slots, accepts sessions from either the
// manager backlog or scheduler assignments, launches their containers and
// reclaims slots when sessions die. All slot accounting lives in the
// broker; the only local state is the launch-permit semaphore.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/capabilities"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/heartbeat"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
	"github.com/webgrid/webgrid/internal/provisioner/provider"
)

// Group is the assigned-events consumer-group name.
const Group = "provisioner"

const (
	beatRefresh = 15 * time.Second
	beatExpire  = 30 * time.Second

	// retainTTL bounds how long a provisioner's records outlive its
	// heartbeat. Deliberate restarts land well inside the window; a
	// provisioner gone longer than this becomes purgeable.
	retainTTL = 24 * time.Hour

	backlogPollTimeout = 5 * time.Second

	DefaultSlotReclaimInterval = 15 * time.Second
)

// Store is the broker surface the provisioner keeps its books on.
type Store interface {
	broker.KV
	broker.Lists
	broker.Scripter
}

// Beats is the heartbeat subset the provisioner needs.
type Beats interface {
	AddBeat(key string, refreshEvery, expireAfter time.Duration)
}

var _ Beats = (*heartbeat.Engine)(nil)

// Options carries the provisioner's identity and capacity.
type Options struct {
	// ID is the stable provisioner identity slots and sessions bind to.
	// It must survive restarts or the reclaim sweep orphans everything.
	ID string
	// Instance names this process in the consumer group.
	Instance string
	// PlatformName is advertised for capability matching.
	PlatformName string
	// Images lists the launchable images and their browsers.
	Images []config.Image
	// SlotCapacity is the number of concurrent sessions.
	SlotCapacity int
	// ContainerEnv is passed to every launched workload in addition to the
	// per-session variables.
	ContainerEnv []string

	// Failed-container garbage policy. Zero values take the defaults.
	WarnFailedContainers  int // default 10
	PurgeFailedContainers int // default 100
	KeepFailedContainers  int // default 50
}

func (o *Options) applyDefaults() {
	if o.Instance == "" {
		o.Instance = uuid.NewString()
	}
	if o.SlotCapacity <= 0 {
		o.SlotCapacity = 1
	}
	if o.WarnFailedContainers <= 0 {
		o.WarnFailedContainers = 10
	}
	if o.PurgeFailedContainers <= 0 {
		o.PurgeFailedContainers = 100
	}
	if o.KeepFailedContainers <= 0 {
		o.KeepFailedContainers = 50
	}
}

// Service is one provisioner.
type Service struct {
	store     Store
	streams   broker.Streams
	responder broker.Responder
	publisher *event.Publisher
	provider  provider.Provider
	settings  *config.Provider
	beats     Beats
	opts      Options

	browsers []capabilities.Browser
	permits  *semaphore.Weighted
	logger   zerolog.Logger
}

// New builds a provisioner. The image list must be non-empty; a provisioner
// that can launch nothing is a configuration error.
func New(store Store, streams broker.Streams, responder broker.Responder, publisher *event.Publisher,
	prov provider.Provider, settings *config.Provider, beats Beats, opts Options) (*Service, error) {
	opts.applyDefaults()
	if opts.ID == "" {
		return nil, fmt.Errorf("provisioner: id is required")
	}
	if len(opts.Images) == 0 {
		return nil, fmt.Errorf("provisioner %s: no images configured", opts.ID)
	}

	browsers := make([]capabilities.Browser, 0, len(opts.Images))
	for _, img := range opts.Images {
		b, err := capabilities.ParseBrowser(img.Browser)
		if err != nil {
			return nil, fmt.Errorf("provisioner %s: image %s: %w", opts.ID, img.Name, err)
		}
		browsers = append(browsers, b)
	}

	return &Service{
		store:     store,
		streams:   streams,
		responder: responder,
		publisher: publisher,
		provider:  prov,
		settings:  settings,
		beats:     beats,
		opts:      opts,
		browsers:  browsers,
		permits:   semaphore.NewWeighted(int64(opts.SlotCapacity)),
		logger:    log.WithComponent("provisioner").With().Str(log.FieldProvisioner, opts.ID).Logger(),
	}, nil
}

// Register announces this provisioner in the broker: membership, platform,
// browsers and the slot pool. Safe across restarts; already-minted slots are
// kept and stale ones recovered through the orphan sweep.
func (s *Service) Register(ctx context.Context) error {
	id := s.opts.ID
	if err := s.store.SAdd(ctx, keys.Orchestrators, id); err != nil {
		return fmt.Errorf("register provisioner %s: %w", id, err)
	}
	if err := s.store.Set(ctx, keys.OrchestratorPlatformName(id), s.opts.PlatformName, 0); err != nil {
		return err
	}
	wire := make([]string, len(s.browsers))
	for i, b := range s.browsers {
		wire[i] = b.String()
	}
	if err := s.store.SAdd(ctx, keys.OrchestratorBrowsers(id), wire...); err != nil {
		return err
	}
	// Retain marker: the GC only purges provisioners that neither beat nor
	// carry it, so a briefly-offline provisioner keeps its slot records.
	// The marker expires after retainTTL; each reclaim pass re-arms it.
	if err := s.store.Set(ctx, keys.OrchestratorRetain(id), "1", retainTTL); err != nil {
		return err
	}

	if err := s.mintSlots(ctx); err != nil {
		return err
	}
	if _, err := s.store.SweepOrphanSlots(ctx, id); err != nil {
		return err
	}
	if err := s.recycleSlots(ctx); err != nil {
		return err
	}

	s.beats.AddBeat(keys.OrchestratorHeartbeat(id), beatRefresh, beatExpire)
	s.updateSlotGauges(ctx)
	s.logger.Info().
		Int("capacity", s.opts.SlotCapacity).
		Str("platform", s.opts.PlatformName).
		Msg("provisioner registered")
	return nil
}

// mintSlots tops the slot set up to capacity. New slots enter circulation
// through the available list.
func (s *Service) mintSlots(ctx context.Context) error {
	existing, err := s.store.SMembers(ctx, keys.OrchestratorSlots(s.opts.ID))
	if err != nil {
		return err
	}
	for i := len(existing); i < s.opts.SlotCapacity; i++ {
		slot := uuid.NewString()
		if err := s.store.SAdd(ctx, keys.OrchestratorSlots(s.opts.ID), slot); err != nil {
			return err
		}
		if err := s.store.RPush(ctx, keys.OrchestratorSlotsAvailable(s.opts.ID), slot); err != nil {
			return err
		}
	}
	return nil
}

// recycleSlots drains the reclaimed list back into circulation.
func (s *Service) recycleSlots(ctx context.Context) error {
	for {
		_, moved, err := s.store.LMove(ctx,
			keys.OrchestratorSlotsReclaimed(s.opts.ID),
			keys.OrchestratorSlotsAvailable(s.opts.ID))
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
	}
}

func (s *Service) updateSlotGauges(ctx context.Context) {
	if available, err := s.store.LLen(ctx, keys.OrchestratorSlotsAvailable(s.opts.ID)); err == nil {
		metrics.ProvisionerSlots.WithLabelValues("available").Set(float64(available))
	}
	if reclaimed, err := s.store.LLen(ctx, keys.OrchestratorSlotsReclaimed(s.opts.ID)); err == nil {
		metrics.ProvisionerSlots.WithLabelValues("reclaimed").Set(float64(reclaimed))
	}
}

// Jobs returns the provisioner's supervised jobs: match responder, backlog
// consumer, assigned-events consumer and the reclamation ticker.
func (s *Service) Jobs() []jobs.Job {
	return []jobs.Job{
		s.matchJob(),
		s.backlogJob(),
		s.assignedJob(),
		s.reclaimJob(),
	}
}

func (s *Service) matchJob() jobs.Job {
	return jobs.JobFunc{
		JobName: "provisioner-match",
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			err := s.responder.Respond(ctx, event.MatchQueue, s.HandleMatch)
			if ctx.Err() != nil {
				return nil
			}
			// The subscription died underneath us; restart without
			// counting toward the crash cap.
			return jobs.ResourceLost(err)
		},
	}
}

func (s *Service) backlogJob() jobs.Job {
	return jobs.JobFunc{
		JobName: "provisioner-backlog",
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			return s.consumeBacklog(ctx)
		},
	}
}

func (s *Service) assignedJob() jobs.Job {
	return jobs.JobFunc{
		JobName: "provisioner-assigned",
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			c := event.NewConsumer(s.streams, event.ProvisioningAssigned(s.opts.ID), Group, s.opts.Instance, s.HandleAssigned)
			err := c.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func (s *Service) reclaimJob() jobs.Job {
	return jobs.JobFunc{
		JobName: "provisioner-reclaim",
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			for {
				interval := s.settings.Duration(ctx, config.SettingSlotReclaim, DefaultSlotReclaimInterval)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
					if err := s.ReclaimPass(ctx); err != nil {
						s.logger.Warn().Err(err).Msg("reclaim pass failed")
					}
				}
			}
		},
	}
}
