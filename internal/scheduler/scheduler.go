// SPDX-License-Identifier: MIT

// Package scheduler consumes session.created events and assigns each
// session to a consenting provisioner. Provisioner selection is a fan-in
// request: every provisioner that can satisfy the capabilities self-elects,
// and the scheduler picks one at random. The scheduler keeps no provisioner
// bookkeeping of its own.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/capabilities"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
)

// Group is the scheduler's consumer-group name.
const Group = "scheduler"

const (
	// matchFirst bounds the wait for the first ProvisionerMatch reply.
	matchFirst = 10 * time.Second
	// matchQuiet is the collect window after the first reply: further
	// replies extend it until it lapses.
	matchQuiet = 100 * time.Millisecond
)

// Store is the broker subset the scheduler stamps state through.
type Store interface {
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, error)
}

// Options carries operator configuration.
type Options struct {
	// RequiredMetadata lists metadata keys every session must carry in
	// its grid extension. Sessions missing any are rejected.
	RequiredMetadata []string
	// Instance names this scheduler process in the consumer group.
	Instance string
}

// Service is the scheduler.
type Service struct {
	store     Store
	requestor broker.Requestor
	publisher *event.Publisher
	opts      Options
	logger    zerolog.Logger
}

// New creates the scheduler service.
func New(store Store, requestor broker.Requestor, publisher *event.Publisher, opts Options) *Service {
	return &Service{
		store:     store,
		requestor: requestor,
		publisher: publisher,
		opts:      opts,
		logger:    log.WithComponent("scheduler"),
	}
}

// Consumer returns the session.created consumer driving this scheduler.
func (s *Service) Consumer(streams broker.Streams) *event.Consumer {
	return event.NewConsumer(streams, event.SessionCreated, Group, s.opts.Instance, s.HandleCreated)
}

// HandleCreated processes one session.created event. Failures specific to
// the event publish a termination and acknowledge; broker-request failures
// surface to the job runtime for restart.
func (s *Service) HandleCreated(ctx context.Context, msg broker.Message) error {
	var payload event.SessionCreatedPayload
	if err := event.Decode(msg, &payload); err != nil {
		return event.Unrecoverable(err)
	}
	logger := s.logger.With().Str(log.FieldSessionID, payload.ID).Logger()

	set, err := capabilities.Parse(payload.Capabilities)
	if err != nil {
		return s.reject(ctx, logger, payload.ID, err)
	}

	ext := set.Extension()
	if missing := s.missingMetadata(ext); len(missing) > 0 {
		return s.reject(ctx, logger, payload.ID,
			fmt.Errorf("required metadata missing: %s", strings.Join(missing, ", ")))
	}
	if len(ext.Metadata) > 0 {
		if err := s.publisher.Publish(ctx, event.SessionMetadataModified, event.SessionMetadataModifiedPayload{
			ID:       payload.ID,
			Metadata: ext.Metadata,
		}); err != nil {
			return err
		}
	}

	provisioner, err := s.selectProvisioner(ctx, payload.Capabilities)
	if errors.Is(err, broker.ErrNoResponders) {
		metrics.SchedulerMatches.WithLabelValues("none").Inc()
		return s.reject(ctx, logger, payload.ID, errors.New("no provisioner available"))
	}
	if err != nil {
		metrics.SchedulerMatches.WithLabelValues("error").Inc()
		return err
	}

	// Duplicate deliveries must not assign twice; the first-write
	// timestamp is the idempotence gate.
	now := time.Now().UTC().Format(time.RFC3339)
	fresh, err := s.store.HSetNX(ctx, keys.SessionStatus(payload.ID), keys.StatusScheduledAt, now)
	if err != nil {
		return err
	}
	if !fresh {
		logger.Debug().Msg("session already scheduled, skipping duplicate")
		return nil
	}

	if err := s.publisher.Publish(ctx, event.ProvisioningAssigned(provisioner), event.ProvisioningJobPayload{
		SessionID:    payload.ID,
		Capabilities: payload.Capabilities,
	}); err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event.SessionScheduled, event.SessionScheduledPayload{
		ID:          payload.ID,
		Provisioner: provisioner,
	}); err != nil {
		return err
	}

	metrics.SchedulerMatches.WithLabelValues("assigned").Inc()
	logger.Info().Str(log.FieldProvisioner, provisioner).Msg("session scheduled")
	return nil
}

// selectProvisioner broadcasts the match request and picks one consenting
// provisioner at random.
func (s *Service) selectProvisioner(ctx context.Context, caps json.RawMessage) (string, error) {
	req, err := json.Marshal(event.MatchRequest{Capabilities: caps})
	if err != nil {
		return "", err
	}
	replies, err := s.requestor.Request(ctx, event.MatchQueue, req, 0, matchFirst, matchQuiet)
	if err != nil {
		return "", err
	}

	candidates := make([]string, 0, len(replies))
	for _, raw := range replies {
		var res event.MatchResponse
		if err := json.Unmarshal(raw, &res); err != nil || res.Provisioner == "" {
			s.logger.Warn().Err(err).Msg("malformed match response")
			continue
		}
		candidates = append(candidates, res.Provisioner)
	}
	if len(candidates) == 0 {
		return "", broker.ErrNoResponders
	}
	return candidates[rand.Intn(len(candidates))], nil
}

func (s *Service) missingMetadata(ext capabilities.Extension) []string {
	var missing []string
	for _, key := range s.opts.RequiredMetadata {
		if _, ok := ext.Metadata[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// reject fails a session softly: observers get a consistent terminated
// lifecycle, and the event is acknowledged.
func (s *Service) reject(ctx context.Context, logger zerolog.Logger, id string, cause error) error {
	logger.Warn().Err(cause).Msg("session rejected")
	if err := s.publisher.Terminated(ctx, id, event.StartupFailed(cause), 0); err != nil {
		return err
	}
	return nil
}
