// SPDX-License-Identifier: MIT

package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/log"
)

// Group is the archive's consumer group. Exactly one group across all
// archive instances, so every event folds into exactly one record update.
const Group = "archive"

const (
	// DefaultRetention matches the broker-side session retention.
	DefaultRetention = 24 * time.Hour
	// compactionInterval paces the retention sweep.
	compactionInterval = time.Hour
)

// Service runs the folding consumers and the retention compaction.
type Service struct {
	store    *Store
	streams  broker.Streams
	settings *config.Provider
	instance string
	logger   zerolog.Logger
}

// New creates the service. instance names this consumer-group member.
func New(store *Store, streams broker.Streams, settings *config.Provider, instance string) *Service {
	return &Service{
		store:    store,
		streams:  streams,
		settings: settings,
		instance: instance,
		logger:   log.WithComponent("archive"),
	}
}

// Jobs returns one consumer per folded queue plus the compaction ticker.
func (s *Service) Jobs() []jobs.Job {
	folds := []struct {
		queue   event.Queue
		handler event.Handler
	}{
		{event.SessionCreated, s.foldCreated},
		{event.SessionScheduled, s.foldScheduled},
		{event.SessionProvisioned, s.foldProvisioned},
		{event.SessionOperational, s.foldOperational},
		{event.SessionTerminated, s.foldTerminated},
		{event.SessionMetadataModified, s.foldMetadata},
	}

	out := make([]jobs.Job, 0, len(folds)+1)
	for _, fold := range folds {
		queue, handler := fold.queue, fold.handler
		out = append(out, jobs.JobFunc{
			JobName: "archive-" + queue.Name,
			Execute: func(ctx context.Context, m *jobs.Manager) error {
				m.Ready()
				c := event.NewConsumer(s.streams, queue, Group, s.instance, handler)
				err := c.Run(ctx)
				if ctx.Err() != nil {
					return nil
				}
				return err
			},
		})
	}
	out = append(out, s.compactionJob())
	return out
}

func (s *Service) compactionJob() jobs.Job {
	return jobs.JobFunc{
		JobName: "archive-compaction",
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(compactionInterval):
					retention := s.settings.Duration(ctx, config.SettingRetention, DefaultRetention)
					dropped, err := s.store.Compact(time.Now().Add(-retention))
					if err != nil {
						s.logger.Warn().Err(err).Msg("archive compaction failed")
						continue
					}
					if dropped > 0 {
						s.logger.Info().Int("dropped", dropped).Msg("archive records compacted")
					}
				}
			}
		},
	}
}

func (s *Service) foldCreated(_ context.Context, msg broker.Message) error {
	var payload event.SessionCreatedPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	return s.store.update(payload.ID, func(r *Record) {
		r.RequestedCapabilities = payload.Capabilities
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
	})
}

func (s *Service) foldScheduled(_ context.Context, msg broker.Message) error {
	var payload event.SessionScheduledPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	return s.store.update(payload.ID, func(r *Record) {
		r.Provisioner = payload.Provisioner
		if r.ScheduledAt.IsZero() {
			r.ScheduledAt = time.Now().UTC()
		}
	})
}

func (s *Service) foldProvisioned(_ context.Context, msg broker.Message) error {
	var payload event.SessionProvisionedPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	return s.store.update(payload.ID, func(r *Record) {
		if len(payload.Meta) > 0 {
			r.Container = payload.Meta
		}
		if r.ProvisionedAt.IsZero() {
			r.ProvisionedAt = time.Now().UTC()
		}
	})
}

func (s *Service) foldOperational(_ context.Context, msg broker.Message) error {
	var payload event.SessionOperationalPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	return s.store.update(payload.ID, func(r *Record) {
		r.ActualCapabilities = payload.ActualCapabilities
		if r.OperationalAt.IsZero() {
			r.OperationalAt = time.Now().UTC()
		}
	})
}

func (s *Service) foldTerminated(_ context.Context, msg broker.Message) error {
	var payload event.SessionTerminatedPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	return s.store.update(payload.ID, func(r *Record) {
		reason := payload.Reason
		r.TerminationReason = &reason
		r.RecordingBytes = payload.RecordingBytes
		if r.TerminatedAt.IsZero() {
			r.TerminatedAt = time.Now().UTC()
		}
	})
}

func (s *Service) foldMetadata(_ context.Context, msg broker.Message) error {
	var payload event.SessionMetadataModifiedPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	return s.store.update(payload.ID, func(r *Record) {
		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		for k, v := range payload.Metadata {
			r.Metadata[k] = v
		}
	})
}
