// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/webgrid/webgrid/internal/archive"
	"github.com/webgrid/webgrid/internal/config"
	"github.com/webgrid/webgrid/internal/discovery"
	"github.com/webgrid/webgrid/internal/gangway"
	"github.com/webgrid/webgrid/internal/gc"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/manager"
	"github.com/webgrid/webgrid/internal/node"
	"github.com/webgrid/webgrid/internal/provisioner"
	"github.com/webgrid/webgrid/internal/provisioner/provider"
	"github.com/webgrid/webgrid/internal/provisioner/provider/docker"
	"github.com/webgrid/webgrid/internal/provisioner/provider/kubernetes"
	"github.com/webgrid/webgrid/internal/proxy"
	"github.com/webgrid/webgrid/internal/routing"
	"github.com/webgrid/webgrid/internal/scheduler"
	"github.com/webgrid/webgrid/internal/storage"
)

// Default listen ports per role. The proxy's 4444 is the port WebDriver
// clients conventionally expect.
const (
	defaultProxyPort   = 4444
	defaultManagerPort = 40001
	defaultGangwayPort = 40002
	defaultStoragePort = 40003
	defaultNodePort    = 40004
)

const (
	frontdoorBeatRefresh = 15 * time.Second
	frontdoorBeatExpire  = 30 * time.Second
)

// runnerJob supervises a run-until-ctx-ends resource loop. An early return
// means the underlying subscription or watch died; report it as a lost
// resource so the scheduler restarts without burning crash budget.
func runnerJob(name string, run func(context.Context) error) jobs.Job {
	return jobs.JobFunc{
		JobName: name,
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			m.Ready()
			err := run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return jobs.ResourceLost(err)
		},
	}
}

func runProxy(rt *runtime) error {
	if err := rt.broker.EnsureKeyspaceEvents(rt.ctx); err != nil {
		return err
	}

	table := routing.NewTable()
	watcher := routing.NewWatcher(rt.broker, rt.broker, table, rt.redisDB)
	discoverer, err := discovery.NewDiscoverer(rt.broker)
	if err != nil {
		return err
	}
	server := proxy.NewServer(rt.instance, table, discoverer)

	port := config.ParseInt("WEBGRID_PROXY_PORT", defaultProxyPort)
	if err := rt.sched.ScheduleAndWait(rt.ctx,
		runnerJob("routing-watcher", watcher.Run),
		runnerJob("discovery", discoverer.Run),
		serveJob("proxy-http", listenAddr(port), server.Handler()),
		rt.statusJob(),
	); err != nil {
		return err
	}
	return rt.await()
}

// registerFrontdoor makes this process routable: an upstream record for the
// proxy's table plus a discovery announcement for table misses.
func (rt *runtime) registerFrontdoor(port int) (jobs.Job, error) {
	if err := rt.broker.HSet(rt.ctx, keys.ManagerUpstream(rt.instance), map[string]string{
		keys.UpstreamHost: rt.host,
		keys.UpstreamPort: strconv.Itoa(port),
	}); err != nil {
		return nil, err
	}
	rt.engine.AddBeat(keys.ManagerHeartbeat(rt.instance), frontdoorBeatRefresh, frontdoorBeatExpire)

	advertiser := discovery.NewAdvertiser(rt.broker, discovery.Manager(),
		net.JoinHostPort(rt.host, strconv.Itoa(port)))
	return runnerJob("frontdoor-advertise", advertiser.Run), nil
}

func runManager(rt *runtime) error {
	svc := manager.New(rt.broker, rt.engine, rt.publisher, rt.settings)

	port := config.ParseInt("WEBGRID_MANAGER_PORT", defaultManagerPort)
	advertise, err := rt.registerFrontdoor(port)
	if err != nil {
		return err
	}

	if err := rt.sched.ScheduleAndWait(rt.ctx,
		rt.heartbeatJob(),
		advertise,
		serveJob("manager-http", listenAddr(port), svc.Router()),
		rt.statusJob(),
	); err != nil {
		return err
	}
	return rt.await()
}

func runGangway(rt *runtime) error {
	svc, err := gangway.New(rt.broker, rt.broker, rt.engine, rt.publisher, rt.settings, rt.instance)
	if err != nil {
		return err
	}

	port := config.ParseInt("WEBGRID_GANGWAY_PORT", defaultGangwayPort)
	advertise, err := rt.registerFrontdoor(port)
	if err != nil {
		return err
	}

	all := []jobs.Job{
		rt.heartbeatJob(),
		advertise,
		serveJob("gangway-http", listenAddr(port), svc.Router()),
		rt.statusJob(),
	}
	all = append(all, svc.Jobs()...)
	if err := rt.sched.ScheduleAndWait(rt.ctx, all...); err != nil {
		return err
	}
	return rt.await()
}

func runScheduler(rt *runtime) error {
	svc := scheduler.New(rt.broker, rt.broker, rt.publisher, scheduler.Options{
		Instance:         rt.instance,
		RequiredMetadata: splitCSV(os.Getenv("WEBGRID_REQUIRED_METADATA")),
	})
	consumer := svc.Consumer(rt.broker)

	if err := rt.sched.ScheduleAndWait(rt.ctx,
		runnerJob("scheduler-consumer", consumer.Run),
		rt.statusJob(),
	); err != nil {
		return err
	}
	return rt.await()
}

func runProvisioner(rt *runtime) error {
	id := os.Getenv("WEBGRID_PROVISIONER_ID")
	if id == "" {
		return errors.New("WEBGRID_PROVISIONER_ID is required: slots and sessions bind to it across restarts")
	}

	prov, err := newProvider()
	if err != nil {
		return err
	}
	images, holder, err := loadImages()
	if err != nil {
		return err
	}

	svc, err := provisioner.New(rt.broker, rt.broker, rt.broker, rt.publisher,
		prov, rt.settings, rt.engine, provisioner.Options{
			ID:           id,
			Instance:     rt.instance,
			PlatformName: config.ParseString("WEBGRID_PLATFORM", "linux"),
			Images:       images,
			SlotCapacity: config.ParseInt("WEBGRID_SLOT_CAPACITY", 1),
			ContainerEnv: splitCSV(os.Getenv("WEBGRID_CONTAINER_ENV")),
		})
	if err != nil {
		return err
	}
	if err := svc.Register(rt.ctx); err != nil {
		return err
	}

	all := []jobs.Job{rt.heartbeatJob(), rt.statusJob()}
	all = append(all, svc.Jobs()...)
	if holder != nil {
		all = append(all, runnerJob("config-watch", holder.Watch))
	}
	if err := rt.sched.ScheduleAndWait(rt.ctx, all...); err != nil {
		return err
	}
	return rt.await()
}

func newProvider() (provider.Provider, error) {
	switch kind := config.ParseString("WEBGRID_PROVIDER", "docker"); kind {
	case "docker":
		return docker.New(config.ParseString("WEBGRID_NODE_NETWORK", "webgrid"))
	case "kubernetes":
		return kubernetes.New(config.ParseString("WEBGRID_NAMESPACE", "webgrid"))
	default:
		return nil, errors.New("WEBGRID_PROVIDER must be docker or kubernetes, got " + kind)
	}
}

// loadImages reads the launchable images from the config file when one is
// given, otherwise from the WEBGRID_IMAGES env form. The returned holder is
// non-nil only in the file case; its watch keeps the log level live.
func loadImages() ([]config.Image, *config.Holder, error) {
	if path := os.Getenv("WEBGRID_CONFIG"); path != "" {
		file, err := config.LoadFile(path)
		if err != nil {
			return nil, nil, err
		}
		holder := config.NewHolder(file, path)
		return file.Images, holder, nil
	}
	images, err := config.ParseImages(os.Getenv("WEBGRID_IMAGES"))
	if err != nil {
		return nil, nil, err
	}
	if len(images) == 0 {
		return nil, nil, errors.New("no images configured: set WEBGRID_CONFIG or WEBGRID_IMAGES")
	}
	return images, nil, nil
}

func runNode(rt *runtime) error {
	sessionID := os.Getenv("WEBGRID_SESSION_ID")
	if sessionID == "" {
		return errors.New("WEBGRID_SESSION_ID is required")
	}
	storageEndpoint := os.Getenv("WEBGRID_STORAGE_ENDPOINT")
	if storageEndpoint == "" {
		return errors.New("WEBGRID_STORAGE_ENDPOINT is required for artifact shipping")
	}

	port := config.ParseInt("WEBGRID_NODE_PORT", defaultNodePort)
	svc := node.New(rt.broker, rt.publisher, rt.settings, rt.engine, rt.broker,
		storage.NewClient(storageEndpoint, sessionID), node.Options{
			SessionID:      sessionID,
			Host:           rt.host,
			Port:           port,
			DriverBinary:   config.ParseString("WEBGRID_DRIVER", "/usr/bin/chromedriver"),
			DriverArgs:     strings.Fields(os.Getenv("WEBGRID_DRIVER_ARGS")),
			DriverURL:      config.ParseString("WEBGRID_DRIVER_URL", "http://localhost:9515"),
			Display:        config.ParseString("WEBGRID_DISPLAY", ":0"),
			Resolution:     config.ParseString("WEBGRID_RESOLUTION", "1920x1080"),
			WorkDir:        config.ParseString("WEBGRID_WORK_DIR", os.TempDir()),
			InitialTimeout: config.ParseDuration("WEBGRID_INITIAL_TIMEOUT", node.DefaultInitialTimeout),
			IdleTimeout:    config.ParseDuration("WEBGRID_IDLE_TIMEOUT", node.DefaultIdleTimeout),
		})

	if err := rt.sched.ScheduleAndWait(rt.ctx, rt.heartbeatJob(), rt.statusJob()); err != nil {
		return err
	}

	// The session job ends on its own once the heart stops; unlike the
	// service roles this process exits with it.
	done := make(chan error, 1)
	rt.sched.Submit(jobs.JobFunc{
		JobName:      "node-session",
		GracefulStop: true,
		Execute: func(ctx context.Context, m *jobs.Manager) error {
			err := svc.Run(ctx, m)
			select {
			case done <- err:
			default:
			}
			return err
		},
	})

	var runErr error
	select {
	case runErr = <-done:
	case <-rt.ctx.Done():
	}
	rt.sched.Shutdown()
	return runErr
}

func runStorage(rt *runtime) error {
	backend, err := storage.NewFilesystem(config.ParseString("WEBGRID_STORAGE_DIR", "/var/lib/webgrid/storage"))
	if err != nil {
		return err
	}

	port := config.ParseInt("WEBGRID_STORAGE_PORT", defaultStoragePort)
	svc := storage.New(backend, rt.broker, rt.engine, rt.broker, storage.Options{
		ID:   rt.instance,
		Host: rt.host,
		Port: port,
	})
	if err := svc.Register(rt.ctx); err != nil {
		return err
	}

	all := []jobs.Job{
		rt.heartbeatJob(),
		serveJob("storage-http", listenAddr(port), svc.Router()),
		rt.statusJob(),
	}
	all = append(all, svc.Jobs()...)
	if err := rt.sched.ScheduleAndWait(rt.ctx, all...); err != nil {
		return err
	}
	return rt.await()
}

func runGC(rt *runtime) error {
	svc := gc.New(rt.broker, rt.publisher, rt.settings)
	if err := rt.sched.ScheduleAndWait(rt.ctx, svc.Job(), rt.statusJob()); err != nil {
		return err
	}
	return rt.await()
}

func runArchive(rt *runtime) error {
	store, err := archive.Open(config.ParseString("WEBGRID_ARCHIVE_DIR", "/var/lib/webgrid/archive"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc := archive.New(store, rt.broker, rt.settings, rt.instance)
	all := []jobs.Job{rt.statusJob()}
	all = append(all, svc.Jobs()...)
	if err := rt.sched.ScheduleAndWait(rt.ctx, all...); err != nil {
		return err
	}
	return rt.await()
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
