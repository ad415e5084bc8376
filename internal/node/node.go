// SPDX-License-Identifier: MIT

// Package node runs inside the session container: it supervises the browser
// driver, serves the session's WebDriver traffic through an intercepting
// proxy, records the screen and reports the session lifecycle. One process,
// one session, then exit.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/capabilities"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/discovery"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/procgroup"
	"github.com/webgrid/webgrid/internal/webdriver"
)

const (
	// DefaultInitialTimeout covers the gap between node health and the
	// first client request.
	DefaultInitialTimeout = 30 * time.Second
	// DefaultIdleTimeout re-arms on every request; capability extensions
	// may override it per session.
	DefaultIdleTimeout = 120 * time.Second

	DefaultNodeStartupTimeout = 120 * time.Second

	nodeBeatRefresh = 15 * time.Second
	nodeBeatExpire  = 30 * time.Second

	driverGrace   = 10 * time.Second
	recorderGrace = 10 * time.Second
	teardownLimit = time.Minute
)

// Store is the broker surface the node reports through.
type Store interface {
	broker.KV
	broker.Counters
	broker.Scripter
}

// Beats is the heartbeat subset the node needs.
type Beats interface {
	AddBeat(key string, refreshEvery, expireAfter time.Duration)
	StopBeat(key string)
}

// Options configures one node process.
type Options struct {
	SessionID string
	// Host and Port form the upstream endpoint peers reach this node on.
	Host string
	Port int
	// DriverBinary and DriverArgs launch the browser driver subprocess.
	DriverBinary string
	DriverArgs   []string
	// DriverURL is where the driver listens, e.g. http://127.0.0.1:4444.
	DriverURL string
	// Display and Resolution feed the screen recorder.
	Display    string
	Resolution string
	// WorkDir holds uploads and the recording before shipping.
	WorkDir string

	InitialTimeout time.Duration
	IdleTimeout    time.Duration
}

func (o *Options) applyDefaults() {
	if o.Display == "" {
		o.Display = ":0"
	}
	if o.Resolution == "" {
		o.Resolution = "1920x1080"
	}
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = DefaultInitialTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
}

// Service is the node supervisor.
type Service struct {
	store     Store
	publisher *event.Publisher
	settings  *config.Provider
	beats     Beats
	pubsub    broker.PubSub
	uploader  Uploader
	opts      Options
	logger    zerolog.Logger
}

// New creates the supervisor.
func New(store Store, publisher *event.Publisher, settings *config.Provider, beats Beats,
	pubsub broker.PubSub, uploader Uploader, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		store:     store,
		publisher: publisher,
		settings:  settings,
		beats:     beats,
		pubsub:    pubsub,
		uploader:  uploader,
		opts:      opts,
		logger:    log.WithComponent("node").With().Str(log.FieldSessionID, opts.SessionID).Logger(),
	}
}

// Job wraps the session lifecycle for the job runtime. Graceful: an
// external stop flows through the heart so teardown still records and
// reports properly.
func (s *Service) Job() jobs.Job {
	return jobs.JobFunc{
		JobName:      "node-session",
		GracefulStop: true,
		Execute:      s.Run,
	}
}

// Run drives the whole session: driver boot, local session, proxy, health
// signals, recording, lifetime, teardown. Returns nil when the session
// completed, however it ended; only pre-health infrastructure errors
// surface.
func (s *Service) Run(ctx context.Context, m *jobs.Manager) error {
	id := s.opts.SessionID

	driverCmd, driverWait, err := s.startDriver(ctx)
	if err != nil {
		return s.startupFailed(ctx, err)
	}

	client := webdriver.NewClient(s.opts.DriverURL)
	bootCtx, cancelBoot := context.WithTimeout(ctx,
		s.settings.Duration(ctx, config.SettingNodeStartupTimeout, DefaultNodeStartupTimeout))
	session, ext, err := s.bootSession(bootCtx, client)
	cancelBoot()
	if err != nil {
		_ = procgroup.Terminate(driverCmd, driverWait, driverGrace)
		return s.startupFailed(ctx, err)
	}

	idle := s.opts.IdleTimeout
	if ext.IdleTimeoutSecs > 0 {
		idle = time.Duration(ext.IdleTimeoutSecs) * time.Second
	}
	heart := NewHeart(s.opts.InitialTimeout, idle)
	captions := NewCaptions(time.Now())

	driverURL, err := url.Parse(s.opts.DriverURL)
	if err != nil {
		_ = procgroup.Terminate(driverCmd, driverWait, driverGrace)
		return s.startupFailed(ctx, fmt.Errorf("driver url: %w", err))
	}
	srv := newServer(id, session.SessionID, driverURL, heart, captions, s.store, s.publisher, s.opts.WorkDir)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           h2c.NewHandler(srv.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("node server failed")
			heart.Stop(CauseExternal)
		}
	}()

	var recorder *Recorder
	var sink *Sink
	sinkCtx, cancelSink := context.WithCancel(ctx)
	defer cancelSink()
	if !ext.DisableRecording {
		recorder, sink, err = s.startRecording(ctx)
		if err != nil {
			// Recording is best effort; the session is still usable.
			s.logger.Warn().Err(err).Msg("recording unavailable")
		} else {
			go func() {
				if err := sink.Run(sinkCtx); err != nil {
					s.logger.Warn().Err(err).Msg("sink stopped")
				}
			}()
		}
	}

	if err := s.announce(ctx, session); err != nil {
		_ = procgroup.Terminate(driverCmd, driverWait, driverGrace)
		return s.startupFailed(ctx, err)
	}

	advCtx, cancelAdv := context.WithCancel(ctx)
	defer cancelAdv()
	advertiser := discovery.NewAdvertiser(s.pubsub, discovery.Node(id),
		fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port))
	go func() { _ = advertiser.Run(advCtx) }()

	m.Ready()
	go func() {
		select {
		case <-m.TerminationSignal():
			heart.Stop(CauseExternal)
		case <-advCtx.Done():
		}
	}()

	s.logger.Info().Msg("session operational")
	cause := heart.Wait(ctx)

	s.teardown(cause, client, session.SessionID, driverCmd, driverWait, recorder, sink, cancelSink, captions, httpSrv)
	return nil
}

// startDriver launches the browser driver in its own process group.
func (s *Service) startDriver(ctx context.Context) (*exec.Cmd, chan error, error) {
	cmd := exec.CommandContext(ctx, s.opts.DriverBinary, s.opts.DriverArgs...) // #nosec G204 -- operator supplied
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start driver %s: %w", s.opts.DriverBinary, err)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	s.logger.Info().Str("driver", s.opts.DriverBinary).Int("pid", cmd.Process.Pid).Msg("driver started")
	return cmd, waitCh, nil
}

// bootSession waits for driver health, creates the local driver session
// with the requested capabilities and sizes the window.
func (s *Service) bootSession(ctx context.Context, client *webdriver.Client) (webdriver.SessionValue, capabilities.Extension, error) {
	var ext capabilities.Extension
	if err := client.AwaitReady(ctx); err != nil {
		return webdriver.SessionValue{}, ext, err
	}

	requested, err := s.store.HGet(ctx, keys.SessionCapabilities(s.opts.SessionID), keys.CapsRequested)
	if err != nil {
		return webdriver.SessionValue{}, ext, err
	}
	if requested != "" {
		if set, err := capabilities.Parse(json.RawMessage(requested)); err == nil {
			ext = set.Extension()
		}
	}

	session, err := client.NewSession(ctx, json.RawMessage(requested))
	if err != nil {
		return webdriver.SessionValue{}, ext, err
	}

	if w, h, ok := parseResolution(s.opts.Resolution); ok {
		if err := client.ResizeWindow(ctx, session.SessionID, w, h); err != nil {
			s.logger.Warn().Err(err).Msg("window resize failed")
		}
	}
	return session, ext, nil
}

// announce publishes everything peers need to reach and trust this node:
// actual capabilities, the upstream record, the node heartbeat and the
// operational event.
func (s *Service) announce(ctx context.Context, session webdriver.SessionValue) error {
	id := s.opts.SessionID
	if err := s.store.HSet(ctx, keys.SessionCapabilities(id), map[string]string{
		keys.CapsActual: string(session.Capabilities),
	}); err != nil {
		return err
	}
	if err := s.store.HSet(ctx, keys.SessionUpstream(id), map[string]string{
		keys.UpstreamHost: s.opts.Host,
		keys.UpstreamPort: strconv.Itoa(s.opts.Port),
	}); err != nil {
		return err
	}
	s.beats.AddBeat(keys.SessionHeartbeatNode(id), nodeBeatRefresh, nodeBeatExpire)

	return s.publisher.Publish(ctx, event.SessionOperational, event.SessionOperationalPayload{
		ID:                 id,
		ActualCapabilities: session.Capabilities,
	})
}

func (s *Service) startRecording(ctx context.Context) (*Recorder, *Sink, error) {
	opts := RecorderOptions{
		Display:        s.opts.Display,
		Resolution:     s.opts.Resolution,
		Framerate:      s.settings.Int(ctx, config.SettingFramerate, 5),
		CRF:            s.settings.Int(ctx, config.SettingRecordingCrf, 46),
		MaxBitrate:     s.settings.Int(ctx, config.SettingMaxBitrate, 450000),
		SegmentSeconds: int(s.settings.Duration(ctx, config.SettingSegmentDuration, 6*time.Second).Seconds()),
		Dir:            s.opts.WorkDir,
	}
	recorder, err := StartRecorder(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	sink := NewSink(s.opts.SessionID, s.opts.WorkDir, s.uploader, s.store)
	return recorder, sink, nil
}

// teardown finalizes the session in strict order: stop signals, finalize
// and ship the recording, kill the driver, report termination. Runs on a
// fresh context; the run context may already be gone.
func (s *Service) teardown(cause StopCause, client *webdriver.Client, internalID string,
	driverCmd *exec.Cmd, driverWait chan error, recorder *Recorder, sink *Sink,
	cancelSink context.CancelFunc, captions *Captions, httpSrv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownLimit)
	defer cancel()
	id := s.opts.SessionID

	s.beats.StopBeat(keys.SessionHeartbeatNode(id))

	if recorder != nil {
		recorder.Stop(recorderGrace)
		cancelSink()
		if err := sink.Sync(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("final segment sync failed")
		}
		s.shipArtifacts(ctx, recorder, captions)
	}

	if err := client.DeleteSession(ctx, internalID); err != nil {
		s.logger.Debug().Err(err).Msg("driver session delete failed")
	}
	if err := procgroup.Terminate(driverCmd, driverWait, driverGrace); err != nil {
		s.logger.Debug().Err(err).Msg("driver exited")
	}
	_ = httpSrv.Shutdown(ctx)

	bytes, err := s.store.CounterValue(ctx, keys.SessionRecordingBytes(id))
	if err != nil {
		bytes = 0
	}
	if _, err := s.store.TerminateSession(ctx, id, time.Now()); err != nil {
		s.logger.Error().Err(err).Msg("session termination bookkeeping failed")
	}
	if err := s.publisher.Terminated(ctx, id, cause.TerminationReason(), bytes); err != nil {
		s.logger.Error().Err(err).Msg("terminated event publish failed")
	}
	s.logger.Info().
		Str(log.FieldReason, string(cause.TerminationReason().Kind)).
		Int64("recording_bytes", bytes).
		Msg("session ended")
}

// shipArtifacts uploads the caption track and the recorder log.
func (s *Service) shipArtifacts(ctx context.Context, recorder *Recorder, captions *Captions) {
	if captions.Len() > 0 {
		if _, err := s.uploader.Put(ctx, "captions.vtt", strings.NewReader(string(captions.WebVTT()))); err != nil {
			s.logger.Warn().Err(err).Msg("caption upload failed")
		}
	}
	logData, err := readFileLimited(recorder.LogPath(), 4<<20)
	if err != nil {
		s.logger.Debug().Err(err).Msg("recorder log unavailable")
		return
	}
	if _, err := s.uploader.Put(ctx, recorderLogName, strings.NewReader(string(logData))); err != nil {
		s.logger.Warn().Err(err).Msg("recorder log upload failed")
	}
}

// startupFailed reports a pre-health failure and completes the job; the
// container exits and the provisioner's sweep does the rest.
func (s *Service) startupFailed(ctx context.Context, cause error) error {
	s.logger.Error().Err(cause).Msg("session startup failed")
	if _, err := s.store.TerminateSession(ctx, s.opts.SessionID, time.Now()); err != nil {
		s.logger.Warn().Err(err).Msg("termination bookkeeping failed")
	}
	if err := s.publisher.Terminated(ctx, s.opts.SessionID, event.StartupFailed(cause), 0); err != nil {
		s.logger.Warn().Err(err).Msg("terminated event publish failed")
	}
	return nil
}

func parseResolution(res string) (int, int, bool) {
	w, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

func readFileLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 -- path is the recorder's own log
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}
