// SPDX-License-Identifier: MIT

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/webgrid/webgrid/internal/event"
	"github.com/webgrid/webgrid/internal/keys"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/webdriver"
)

// Cookie channels the grid intercepts instead of forwarding. Clients use
// standard WebDriver cookie commands as a side channel into the grid.
const (
	cookieMessage        = "webgrid:message"
	cookieMetadataPrefix = "webgrid:metadata.session:"
)

// MetadataStore is the broker subset the interceptors write through.
type MetadataStore interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
}

// server is the node's session-scoped HTTP surface: the WebDriver proxy
// with its interceptors, plus the /status health endpoint the manager
// polls.
type server struct {
	externalID string
	internalID string
	heart      *Heart
	captions   *Captions
	store      MetadataStore
	publisher  *event.Publisher
	uploadDir  string
	driver     *httputil.ReverseProxy
	logger     zerolog.Logger
}

func newServer(externalID, internalID string, driverURL *url.URL, heart *Heart, captions *Captions,
	store MetadataStore, publisher *event.Publisher, uploadDir string) *server {
	s := &server{
		externalID: externalID,
		internalID: internalID,
		heart:      heart,
		captions:   captions,
		store:      store,
		publisher:  publisher,
		uploadDir:  uploadDir,
		logger:     log.WithComponent("node").With().Str(log.FieldSessionID, externalID).Logger(),
	}
	s.driver = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(driverURL)
			// The client speaks the external id; the driver knows its own.
			pr.Out.URL.Path = strings.Replace(pr.In.URL.Path, externalID, internalID, 1)
		},
		ModifyResponse: s.sniffClientClose,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("driver unreachable")
			webdriver.WriteError(w, http.StatusBadGateway, webdriver.ErrUnknown, "driver unreachable")
		},
	}
	return s
}

// Handler builds the chi router.
func (s *server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/session/{sessionID}", s.handleSession)
	r.HandleFunc("/session/{sessionID}/*", s.handleSession)
	return r
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "sessionID") != s.externalID {
		webdriver.WriteError(w, http.StatusNotFound, "invalid session id", "no such session on this node")
		return
	}
	s.heart.Reset()

	rest := chi.URLParam(r, "*")
	switch {
	case rest == "cookie" && r.Method == http.MethodPost:
		s.handleCookie(w, r)
	case rest == "se/file" && r.Method == http.MethodPost:
		s.handleFileUpload(w, r)
	default:
		s.driver.ServeHTTP(w, r)
	}
}

type cookieRequest struct {
	Cookie struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"cookie"`
}

// handleCookie captures the grid's cookie channels, then lets every request
// through to the driver. The channels ride on ordinary WebDriver cookie
// commands, so the cookie itself still lands in the browser.
func (s *server) handleCookie(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		webdriver.WriteError(w, http.StatusBadRequest, webdriver.ErrUnknown, "unreadable cookie request")
		return
	}
	var req cookieRequest
	if err := json.Unmarshal(body, &req); err == nil {
		switch {
		case req.Cookie.Name == cookieMessage:
			s.captions.Cue(req.Cookie.Value)
		case strings.HasPrefix(req.Cookie.Name, cookieMetadataPrefix):
			s.setMetadata(r.Context(), strings.TrimPrefix(req.Cookie.Name, cookieMetadataPrefix), req.Cookie.Value)
		}
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	s.driver.ServeHTTP(w, r)
}

func (s *server) setMetadata(ctx context.Context, key, value string) {
	if err := s.store.HSet(ctx, keys.SessionMetadata(s.externalID), map[string]string{key: value}); err != nil {
		s.logger.Warn().Err(err).Msg("metadata write failed")
		return
	}
	if err := s.publisher.Publish(ctx, event.SessionMetadataModified, event.SessionMetadataModifiedPayload{
		ID:       s.externalID,
		Metadata: map[string]string{key: value},
	}); err != nil {
		s.logger.Warn().Err(err).Msg("metadata event publish failed")
	}
}

// sniffClientClose watches delete responses on the way back to the client.
// A 200 session delete, or a window delete leaving an empty handle list,
// means the client is done; the heart stops once the driver has answered.
func (s *server) sniffClientClose(res *http.Response) error {
	req := res.Request
	if req == nil || req.Method != http.MethodDelete {
		return nil
	}

	if req.URL.Path == "/session/"+s.internalID {
		if res.StatusCode == http.StatusOK {
			s.logger.Info().Msg("session deleted by client")
			s.heart.Stop(CauseClientClose)
		}
		return nil
	}

	if !strings.HasSuffix(req.URL.Path, "/window") {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(body))

	var envelope struct {
		Value []any `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Value != nil && len(envelope.Value) == 0 {
		s.logger.Info().Msg("last window closed")
		s.heart.Stop(CauseClientClose)
	}
	return nil
}
