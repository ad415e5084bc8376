// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/capabilities"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
	"github.com/webgrid/webgrid/internal/webdriver"
)

// Lifecycle log codes. The happy path walks QUEUED, NALLOC, PENDING,
// NALIVE; failures carry one of the remaining codes.
const (
	CodeQueued       = "QUEUED"
	CodeAllocated    = "NALLOC"
	CodePending      = "PENDING"
	CodeAlive        = "NALIVE"
	CodeQueueTimeout = "QTIMEOUT"
	CodeSchedTimeout = "OTIMEOUT"
	CodeNodeTimeout  = "NTIMEOUT"
	CodeUnavailable  = "QUNAVAILABLE"
	CodeInvalidCap   = "INVALIDCAP"
	CodeFailure      = "FAILURE"
)

// taskError pairs a failure with its log code.
type taskError struct {
	code string
	err  error
}

func (e *taskError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *taskError) Unwrap() error { return e.err }

func failTask(code string, err error) *taskError { return &taskError{code: code, err: err} }

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
	logger := log.WithSession("manager", id)

	actual, err := s.run(r.Context(), logger, id, r, req.Capabilities)
	if err != nil {
		var te *taskError
		if !errors.As(err, &te) {
			te = failTask(CodeFailure, err)
		}
		logger.Warn().
			Err(te.err).
			Str(log.FieldCode, te.code).
			Msg("session startup failed")
		metrics.SessionFailures.WithLabelValues(te.code).Inc()

		// Observers see a consistent lifecycle whatever went wrong.
		if pubErr := s.publisher.Terminated(r.Context(), id, event.StartupFailed(te.err), 0); pubErr != nil {
			logger.Error().Err(pubErr).Msg("termination event publish failed")
		}
		webdriver.WriteError(w, http.StatusInternalServerError, webdriver.ErrSessionNotCreated, te.Error())
		return
	}

	webdriver.WriteSession(w, id, actual)
}

// run drives the state machine. On every exit path the manager heartbeat is
// stopped; until aliveAt is stamped it is the only thing keeping the
// session out of the reaper's hands.
func (s *Service) run(ctx context.Context, logger zerolog.Logger, id string, r *http.Request, caps json.RawMessage) (json.RawMessage, error) {
	queuedAt := time.Now()
	if err := s.allocate(ctx, id, r, caps); err != nil {
		return nil, failTask(CodeFailure, err)
	}
	s.beats.AddBeat(keys.SessionHeartbeatManager(id), managerBeatRefresh, managerBeatExpire)
	defer s.beats.StopBeat(keys.SessionHeartbeatManager(id))
	logger.Info().Str(log.FieldCode, CodeQueued).Msg("session queued")
	metrics.SessionTransitions.WithLabelValues("queued").Inc()

	set, err := capabilities.Parse(caps)
	if err != nil {
		return nil, failTask(CodeInvalidCap, err)
	}

	if ext := set.Extension(); len(ext.Metadata) > 0 {
		if err := s.store.HSet(ctx, keys.SessionMetadata(id), ext.Metadata); err != nil {
			return nil, failTask(CodeFailure, err)
		}
		if err := s.publisher.Publish(ctx, event.SessionMetadataModified, event.SessionMetadataModifiedPayload{
			ID:       id,
			Metadata: ext.Metadata,
		}); err != nil {
			return nil, failTask(CodeFailure, err)
		}
	}

	if err := s.publisher.Publish(ctx, event.SessionCreated, event.SessionCreatedPayload{
		ID:           id,
		Capabilities: caps,
	}); err != nil {
		return nil, failTask(CodeFailure, err)
	}

	provisioner, err := s.queue(ctx, logger, id, set)
	if err != nil {
		return nil, err
	}
	metrics.QueueWaitSeconds.Observe(time.Since(queuedAt).Seconds())
	logger.Info().
		Str(log.FieldCode, CodeAllocated).
		Str(log.FieldProvisioner, provisioner).
		Msg("slot allocated")
	metrics.SessionTransitions.WithLabelValues("scheduled").Inc()

	if err := s.awaitScheduling(ctx, id); err != nil {
		return nil, err
	}
	logger.Info().Str(log.FieldCode, CodePending).Msg("accepted by provisioner")
	metrics.SessionTransitions.WithLabelValues("provisioned").Inc()

	actual, err := s.awaitHealth(ctx, logger, id)
	if err != nil {
		return nil, err
	}
	logger.Info().Str(log.FieldCode, CodeAlive).Msg("session operational")
	metrics.SessionTransitions.WithLabelValues("operational").Inc()
	metrics.StartupSeconds.Observe(time.Since(queuedAt).Seconds())

	return actual, nil
}

// allocate creates the session record and registers it as active.
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

// queue matches registered provisioners against the capability set and
// blocks on their slot lists until one grants a slot. The session is then
// bound to that provisioner via its backlog.
func (s *Service) queue(ctx context.Context, logger zerolog.Logger, id string, set capabilities.Set) (string, error) {
	queues, err := s.matchingSlotQueues(ctx, set)
	if err != nil {
		return "", failTask(CodeFailure, err)
	}
	if len(queues) == 0 {
		return "", failTask(CodeUnavailable, errors.New("no provisioner matches the requested capabilities"))
	}
	// Randomized order spreads load across equally capable provisioners.
	rand.Shuffle(len(queues), func(i, j int) { queues[i], queues[j] = queues[j], queues[i] })
	logger.Debug().Int("provisioners", len(queues)).Msg("queueing for a slot")

	queueKey, slot, err := s.store.BLPop(ctx, s.queueTimeout(ctx), queues...)
	if errors.Is(err, broker.ErrTimeout) {
		return "", failTask(CodeQueueTimeout, errors.New("no slot became available in time"))
	}
	if err != nil {
		return "", failTask(CodeFailure, err)
	}
	provisioner := keys.OrchestratorFromSlotQueue(queueKey)
	if provisioner == "" {
		return "", failTask(CodeFailure, fmt.Errorf("slot from unexpected queue %q", queueKey))
	}

	if err := s.store.Set(ctx, keys.SessionSlot(id), slot, 0); err != nil {
		return "", failTask(CodeFailure, err)
	}
	if err := s.store.RPush(ctx, keys.OrchestratorBacklog(provisioner), id); err != nil {
		return "", failTask(CodeFailure, err)
	}
	return provisioner, nil
}

// awaitScheduling waits for the provisioner to accept the session off its
// backlog. The self-to-self pop keeps the accepting provisioner's id on the
// list as a marker for later liveness checks.
func (s *Service) awaitScheduling(ctx context.Context, id string) error {
	key := keys.SessionOrchestrator(id)
	_, err := s.store.BRPopLPush(ctx, key, key, s.schedulingTimeout(ctx))
	if errors.Is(err, broker.ErrTimeout) {
		return failTask(CodeSchedTimeout, errors.New("provisioner did not accept the session in time"))
	}
	if err != nil {
		return failTask(CodeFailure, err)
	}
	return nil
}

// awaitHealth waits for the node to publish its endpoint, start its
// heartbeat and answer /status, all within the node startup budget.
func (s *Service) awaitHealth(ctx context.Context, logger zerolog.Logger, id string) (json.RawMessage, error) {
	deadline := time.Now().Add(s.nodeStartupTimeout(ctx))

	var host, port string
	for {
		record, err := s.store.HGetAll(ctx, keys.SessionUpstream(id))
		if err != nil {
			return nil, failTask(CodeFailure, err)
		}
		host, port = record[keys.UpstreamHost], record[keys.UpstreamPort]
		if host != "" && port != "" {
			if ok, err := s.store.Exists(ctx, keys.SessionHeartbeatNode(id)); err != nil {
				return nil, failTask(CodeFailure, err)
			} else if ok {
				break
			}
		}
		if time.Now().After(deadline) {
			return nil, failTask(CodeNodeTimeout, errors.New("node did not start in time"))
		}
		if err := sleepCtx(ctx, healthPollInterval); err != nil {
			return nil, failTask(CodeFailure, err)
		}
	}

	endpoint := net.JoinHostPort(host, port)
	logger.Debug().Str(log.FieldEndpoint, endpoint).Msg("health-checking node")
	for {
		if s.statusOK(ctx, endpoint) {
			break
		}
		if time.Now().After(deadline) {
			return nil, failTask(CodeNodeTimeout, errors.New("node health check did not pass in time"))
		}
		if err := sleepCtx(ctx, healthPollInterval); err != nil {
			return nil, failTask(CodeFailure, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.store.HSetNX(ctx, keys.SessionStatus(id), keys.StatusAliveAt, now); err != nil {
		return nil, failTask(CodeFailure, err)
	}
	actual, err := s.store.HGet(ctx, keys.SessionCapabilities(id), keys.CapsActual)
	if err != nil {
		return nil, failTask(CodeFailure, err)
	}
	if actual == "" {
		actual = "{}"
	}
	return json.RawMessage(actual), nil
}

func (s *Service) statusOK(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/status", nil)
	if err != nil {
		return false
	}
	res, err := s.health.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK
}

// matchingSlotQueues resolves the slot lists of every provisioner whose
// advertised platform and browsers satisfy the capability set.
func (s *Service) matchingSlotQueues(ctx context.Context, set capabilities.Set) ([]string, error) {
	provisioners, err := s.store.SMembers(ctx, keys.Orchestrators)
	if err != nil {
		return nil, err
	}
	var queues []string
	for _, p := range provisioners {
		platform, err := s.store.Get(ctx, keys.OrchestratorPlatformName(p))
		if err != nil {
			return nil, err
		}
		members, err := s.store.SMembers(ctx, keys.OrchestratorBrowsers(p))
		if err != nil {
			return nil, err
		}
		browsers := make([]capabilities.Browser, 0, len(members))
		for _, m := range members {
			b, err := capabilities.ParseBrowser(m)
			if err != nil {
				continue
			}
			browsers = append(browsers, b)
		}
		if set.Matches(platform, browsers) {
			queues = append(queues, keys.OrchestratorSlotsAvailable(p))
		}
	}
	return queues, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
