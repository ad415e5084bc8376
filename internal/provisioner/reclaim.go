// SPDX-License-Identifier: MIT

package provisioner

import (
	"context"
	"sort"
	"time"

	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/provisioner/provider"
)

// ReclaimPass runs one reclamation sweep: terminate dead sessions, recover
// orphaned slots, reap containers of terminated sessions, apply the
// failed-container garbage policy and put freed slots back in circulation.
func (s *Service) ReclaimPass(ctx context.Context) error {
	dead, err := s.store.ReclaimDeadSessions(ctx, s.opts.ID, time.Now())
	if err != nil {
		return err
	}
	for _, id := range dead {
		s.logger.Info().Str(log.FieldSessionID, id).Msg("dead session reclaimed")
		if err := s.publisher.Terminated(ctx, id,
			event.TerminationReason{Kind: event.ReasonTerminatedExternally}, 0); err != nil {
			return err
		}
	}

	swept, err := s.store.SweepOrphanSlots(ctx, s.opts.ID)
	if err != nil {
		return err
	}
	if len(swept) > 0 {
		s.logger.Info().Int("count", len(swept)).Msg("orphaned slots recovered")
	}

	if err := s.reapContainers(ctx); err != nil {
		return err
	}
	if err := s.recycleSlots(ctx); err != nil {
		return err
	}
	// Re-arm the retain marker so only a provisioner that stops sweeping
	// ever lets it lapse.
	if err := s.store.Set(ctx, keys.OrchestratorRetain(s.opts.ID), "1", retainTTL); err != nil {
		return err
	}
	s.updateSlotGauges(ctx)
	return nil
}

// reapContainers removes the workloads of terminated sessions and applies
// the failed-container retention policy: failed workloads are kept for
// inspection, with a warning past WarnFailedContainers and a purge of the
// oldest down to KeepFailedContainers once PurgeFailedContainers is hit.
func (s *Service) reapContainers(ctx context.Context) error {
	containers, err := s.provider.List(ctx)
	if err != nil {
		return err
	}

	var failed []provider.Container
	for _, c := range containers {
		if c.Failed {
			failed = append(failed, c)
			continue
		}
		if c.SessionID == "" {
			continue
		}
		terminated, err := s.store.SIsMember(ctx, keys.SessionsTerminated, c.SessionID)
		if err != nil {
			return err
		}
		if !terminated {
			continue
		}
		if err := s.provider.Terminate(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Str("container", c.ID).Msg("container removal failed")
			continue
		}
		s.logger.Debug().
			Str(log.FieldSessionID, c.SessionID).
			Str("container", c.ID).
			Msg("terminated session container removed")
	}

	if len(failed) > s.opts.WarnFailedContainers {
		s.logger.Warn().
			Int("count", len(failed)).
			Int("threshold", s.opts.WarnFailedContainers).
			Msg("failed containers accumulating")
	}
	if len(failed) <= s.opts.PurgeFailedContainers {
		return nil
	}

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.Before(failed[j].CreatedAt)
	})
	purge := failed[:len(failed)-s.opts.KeepFailedContainers]
	for _, c := range purge {
		if err := s.provider.Terminate(ctx, c.ID); err != nil {
			s.logger.Warn().Err(err).Str("container", c.ID).Msg("failed-container purge failed")
		}
	}
	s.logger.Info().Int("purged", len(purge)).Msg("failed containers purged")
	return nil
}
