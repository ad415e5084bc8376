// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/broker"
	"github.com/webgrid/webgrid/internal/discovery"
	"github.com/webgrid/webgrid/internal/jobs"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
)

const (
	storageBeatRefresh = 15 * time.Second
	storageBeatExpire  = 30 * time.Second

	maxArtifactBytes = 1 << 30
)

// Store is the broker surface the service registers itself on.
type Store interface {
	broker.KV
}

// Beats is the heartbeat subset the service needs.
type Beats interface {
	AddBeat(key string, refreshEvery, expireAfter time.Duration)
}

// Options configures one storage instance.
type Options struct {
	ID   string
	Host string
	Port int
}

// Service serves artifacts over HTTP and advertises itself so the routing
// table can forward /storage traffic here.
type Service struct {
	backend Backend
	store   Store
	beats   Beats
	pubsub  broker.PubSub
	opts    Options
	logger  zerolog.Logger
}

// New creates the service.
func New(backend Backend, store Store, beats Beats, pubsub broker.PubSub, opts Options) *Service {
	return &Service{
		backend: backend,
		store:   store,
		beats:   beats,
		pubsub:  pubsub,
		opts:    opts,
		logger:  log.WithComponent("storage").With().Str("instance", opts.ID).Logger(),
	}
}

// Register announces the instance endpoint and starts its heartbeat.
func (s *Service) Register(ctx context.Context) error {
	if err := s.store.HSet(ctx, keys.StorageUpstream(s.opts.ID), map[string]string{
		keys.UpstreamHost: s.opts.Host,
		keys.UpstreamPort: strconv.Itoa(s.opts.Port),
	}); err != nil {
		return err
	}
	s.beats.AddBeat(keys.StorageHeartbeat(s.opts.ID), storageBeatRefresh, storageBeatExpire)
	return nil
}

// Jobs returns the discovery advertiser job.
func (s *Service) Jobs() []jobs.Job {
	return []jobs.Job{
		jobs.JobFunc{
			JobName: "storage-advertise",
			Execute: func(ctx context.Context, m *jobs.Manager) error {
				m.Ready()
				adv := discovery.NewAdvertiser(s.pubsub, discovery.Storage(s.opts.ID),
					fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port))
				err := adv.Run(ctx)
				if ctx.Err() != nil {
					return nil
				}
				return jobs.ResourceLost(err)
			},
		},
	}
}

// Router returns the artifact HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/storage/{sessionID}", func(r chi.Router) {
		r.Get("/*", s.handleGet)
		r.Put("/*", s.handlePut)
	})
	return r
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "sessionID")
	name := chi.URLParam(r, "*")

	artifact, size, err := s.backend.Get(r.Context(), session, name)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, session).Str("artifact", name).Msg("artifact read failed")
		http.Error(w, "artifact read failed", http.StatusInternalServerError)
		return
	}
	defer artifact.Close()

	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, artifact); err != nil {
		s.logger.Debug().Err(err).Str(log.FieldSessionID, session).Msg("artifact stream aborted")
	}
}

func (s *Service) handlePut(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "sessionID")
	name := chi.URLParam(r, "*")

	n, err := s.backend.Put(r.Context(), session, name, io.LimitReader(r.Body, maxArtifactBytes))
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldSessionID, session).Str("artifact", name).Msg("artifact write failed")
		http.Error(w, "artifact write failed", http.StatusInternalServerError)
		return
	}
	s.logger.Debug().Str(log.FieldSessionID, session).Str("artifact", name).Int64("bytes", n).Msg("artifact stored")
	w.WriteHeader(http.StatusNoContent)
}

// contentTypeFor maps artifact names onto media types the replay UI can
// use directly.
func contentTypeFor(name string) string {
	switch filepath.Ext(name) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".vtt":
		return "text/vtt; charset=utf-8"
	case ".log":
		return "text/plain; charset=utf-8"
	default:
		if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
