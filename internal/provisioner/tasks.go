// SPDX-License-Identifier: MIT

package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/capabilities"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
	"github.com/webgrid/webgrid/internal/provisioner/provider"
)

// HandleMatch answers one ProvisionerMatch broadcast. Replying means
// consenting to serve the session; declining stays silent so the requestor
// only ever sees capable provisioners.
func (s *Service) HandleMatch(_ context.Context, payload []byte) ([]byte, bool) {
	var req event.MatchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn().Err(err).Msg("malformed match request")
		return nil, false
	}
	set, err := capabilities.Parse(req.Capabilities)
	if err != nil {
		return nil, false
	}
	if !set.Matches(s.opts.PlatformName, s.browsers) {
		return nil, false
	}
	reply, err := json.Marshal(event.MatchResponse{
		Provisioner:  s.opts.ID,
		PlatformName: s.opts.PlatformName,
	})
	if err != nil {
		return nil, false
	}
	return reply, true
}

// consumeBacklog serves manager-queued sessions. The manager already bound
// a slot before pushing, so acceptance is just the scheduling marker plus
// the container launch.
func (s *Service) consumeBacklog(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, id, err := s.store.BLPop(ctx, backlogPollTimeout, keys.OrchestratorBacklog(s.opts.ID))
		if errors.Is(err, broker.ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// The marker tells the waiting manager who accepted.
		if err := s.store.RPush(ctx, keys.SessionOrchestrator(id), s.opts.ID); err != nil {
			return err
		}
		if err := s.provision(ctx, id); err != nil {
			return err
		}
	}
}

// HandleAssigned serves one scheduler assignment: bind a slot, mark
// acceptance, launch. The permit bounds concurrent launches to capacity.
func (s *Service) HandleAssigned(ctx context.Context, msg broker.Message) error {
	var job event.ProvisioningJobPayload
	if err := event.Decode(msg, &job); err != nil {
		return event.Unrecoverable(err)
	}
	logger := s.logger.With().Str(log.FieldSessionID, job.SessionID).Logger()

	if err := s.permits.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.permits.Release(1)

	// Redelivery of an already-bound session must not eat a second slot.
	if existing, err := s.store.Get(ctx, keys.SessionSlot(job.SessionID)); err != nil {
		return err
	} else if existing != "" {
		logger.Debug().Msg("session already slot-bound, skipping duplicate")
		return nil
	}

	slot, ok, err := s.store.LPop(ctx, keys.OrchestratorSlotsAvailable(s.opts.ID))
	if err != nil {
		return err
	}
	if !ok {
		// Assignment raced capacity away; fail the session rather than
		// block the whole assigned queue behind it.
		return s.fail(ctx, job.SessionID, errors.New("no slot available"))
	}
	if err := s.store.Set(ctx, keys.SessionSlot(job.SessionID), slot, 0); err != nil {
		return err
	}
	if err := s.store.RPush(ctx, keys.SessionOrchestrator(job.SessionID), s.opts.ID); err != nil {
		return err
	}
	logger.Debug().Str(log.FieldSlot, slot).Msg("slot bound")

	return s.provision(ctx, job.SessionID)
}

// provision launches the session's container. The provisionedAt first-write
// is the idempotence gate: redeliveries after a successful launch are
// no-ops. Launch failures terminate the session softly, freeing its slot.
func (s *Service) provision(ctx context.Context, id string) error {
	fresh, err := s.store.HSetNX(ctx, keys.SessionStatus(id), keys.StatusProvisionedAt,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	if !fresh {
		s.logger.Debug().Str(log.FieldSessionID, id).Msg("session already provisioned, skipping")
		return nil
	}

	requested, err := s.store.HGet(ctx, keys.SessionCapabilities(id), keys.CapsRequested)
	if err != nil {
		return err
	}
	image, err := s.imageFor(requested)
	if err != nil {
		return s.fail(ctx, id, err)
	}

	env := append([]string{
		"WEBGRID_SESSION_ID=" + id,
		"WEBGRID_PROVISIONER_ID=" + s.opts.ID,
	}, s.opts.ContainerEnv...)

	cont, err := s.provider.Provision(ctx, provider.Request{SessionID: id, Image: image, Env: env})
	if err != nil {
		metrics.ProvisionedContainers.WithLabelValues("error").Inc()
		return s.fail(ctx, id, fmt.Errorf("container launch: %w", err))
	}
	metrics.ProvisionedContainers.WithLabelValues("ok").Inc()

	if err := s.publisher.Publish(ctx, event.SessionProvisioned, event.SessionProvisionedPayload{
		ID: id,
		Meta: map[string]string{
			"container": cont.ID,
			"image":     image,
		},
	}); err != nil {
		return err
	}

	s.logger.Info().
		Str(log.FieldSessionID, id).
		Str("container", cont.ID).
		Str("image", image).
		Msg("session provisioned")
	return nil
}

// imageFor picks the first configured image a candidate accepts. An empty
// capabilities request takes the first image.
func (s *Service) imageFor(requested string) (string, error) {
	if requested == "" {
		return s.opts.Images[0].Name, nil
	}
	set, err := capabilities.Parse(json.RawMessage(requested))
	if err != nil {
		return "", err
	}
	if len(set.Candidates) == 0 {
		return s.opts.Images[0].Name, nil
	}
	for _, cand := range set.Candidates {
		if !cand.MatchesPlatform(s.opts.PlatformName) {
			continue
		}
		for i, b := range s.browsers {
			if cand.MatchesBrowser(b) {
				return s.opts.Images[i].Name, nil
			}
		}
	}
	return "", fmt.Errorf("no image matches requested capabilities")
}

// fail terminates a session the provisioner could not serve. Termination
// returns the bound slot through the reclaimed list; the terminated event
// gives observers a consistent lifecycle.
func (s *Service) fail(ctx context.Context, id string, cause error) error {
	s.logger.Warn().Err(cause).Str(log.FieldSessionID, id).Msg("provisioning failed")
	if _, err := s.store.TerminateSession(ctx, id, time.Now()); err != nil {
		return err
	}
	if err := s.publisher.Terminated(ctx, id, event.StartupFailed(cause), 0); err != nil {
		return err
	}
	s.updateSlotGauges(ctx)
	return nil
}
