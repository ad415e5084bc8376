// SPDX-License-Identifier: MIT

// Command webgrid is the grid's single binary. The first argument selects
// the role; one deployment runs several copies of the same image with
// different roles.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/heartbeat"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/telemetry"
	"github.com/webgrid/webgrid/internal/version"
)

var roles = map[string]func(*runtime) error{
	"proxy":       runProxy,
	"manager":     runManager,
	"gangway":     runGangway,
	"scheduler":   runScheduler,
	"provisioner": runProvisioner,
	"node":        runNode,
	"storage":     runStorage,
	"gc":          runGC,
	"archive":     runArchive,
}

func usage() {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	fmt.Fprintf(os.Stderr, "usage: webgrid <role>\nroles: %s\n", strings.Join(names, ", "))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "version", "-version", "--version":
		fmt.Printf("webgrid %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return
	}
	run, ok := roles[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}
	role := os.Args[1]

	log.Configure(log.Config{
		Service: "webgrid-" + role,
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, role)
	if err != nil {
		logger.Fatal().Err(err).Str("role", role).Msg("startup failed")
	}
	defer rt.close()

	if err := run(rt); err != nil {
		logger.Fatal().Err(err).Str("role", role).Msg("role failed")
	}
}

// runtime bundles what every role needs: the broker connection, the job
// scheduler with its status server, heartbeats, settings, tracing.
type runtime struct {
	ctx       context.Context
	role      string
	instance  string
	host      string
	broker    *broker.Broker
	sched     *jobs.Scheduler
	engine    *heartbeat.Engine
	settings  *config.Provider
	publisher *event.Publisher
	telemetry *telemetry.Provider
	redisDB   int
}

func newRuntime(ctx context.Context, role string) (*runtime, error) {
	redisURL := config.ParseString("WEBGRID_REDIS_URL", "redis://localhost:6379")
	b, err := broker.New(broker.Options{URL: redisURL})
	if err != nil {
		return nil, err
	}

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      config.ParseBool("WEBGRID_TRACING", false),
		Role:         "webgrid-" + role,
		Version:      version.Version,
		Environment:  config.ParseString("WEBGRID_ENVIRONMENT", "production"),
		ExporterType: config.ParseString("WEBGRID_TRACING_EXPORTER", "grpc"),
		Endpoint:     config.ParseString("WEBGRID_TRACING_ENDPOINT", "localhost:4317"),
		SamplingRate: parseFloat("WEBGRID_TRACING_SAMPLE", 1.0),
	})
	if err != nil {
		return nil, err
	}

	host := config.ParseString("WEBGRID_HOST", "")
	if host == "" {
		host, _ = os.Hostname()
	}

	return &runtime{
		ctx:       ctx,
		role:      role,
		instance:  config.ParseString("WEBGRID_INSTANCE", uuid.NewString()),
		host:      host,
		broker:    b,
		sched:     jobs.NewScheduler(ctx, jobs.Config{}),
		engine:    heartbeat.New(b),
		settings:  config.NewProvider(b),
		publisher: event.NewPublisher(b),
		telemetry: tp,
		redisDB:   redisDatabase(redisURL),
	}, nil
}

func (rt *runtime) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = rt.telemetry.Shutdown(shutdownCtx)
}

// heartbeatJob keeps the engine refreshing registered beats for the whole
// process lifetime.
func (rt *runtime) heartbeatJob() jobs.Job {
	return jobs.JobFunc{
		JobName:      "heartbeat",
		GracefulStop: true,
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			err := rt.engine.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return jobs.ResourceLost(err)
		},
	}
}

// serveJob runs one HTTP server under job supervision, shutting it down
// when the job context ends.
func serveJob(name, addr string, handler http.Handler) jobs.Job {
	return jobs.JobFunc{
		JobName: name,
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			m.Ready()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				return nil
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

// statusJob serves the orchestration probe surface every role exposes.
func (rt *runtime) statusJob() jobs.Job {
	port := config.ParseInt("WEBGRID_STATUS_PORT", 47002)
	return serveJob("status", listenAddr(port), rt.sched.StatusHandler())
}

// await blocks until the signal context ends, then drains the scheduler.
func (rt *runtime) await() error {
	<-rt.ctx.Done()
	rt.sched.Shutdown()
	return nil
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

func parseFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

// redisDatabase extracts the database index from a redis URL; keyspace
// notification channels are database-scoped.
func redisDatabase(rawURL string) int {
	idx := strings.LastIndex(rawURL, "/")
	if idx < 0 || idx == len(rawURL)-1 {
		return 0
	}
	db, err := strconv.Atoi(rawURL[idx+1:])
	if err != nil {
		return 0
	}
	return db
}
