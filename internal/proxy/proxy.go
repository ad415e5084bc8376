// SPDX-License-Identifier: MIT

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"

	"github.com/webgrid/webgrid/internal/discovery"
	"github.com/webgrid/webgrid/internal/log"
	"github.com/webgrid/webgrid/internal/metrics"
	"github.com/webgrid/webgrid/internal/routing"
	"github.com/webgrid/webgrid/internal/webdriver"
)

// Resolver finds an endpoint for a descriptor when the routing table has no
// entry. The frontdoor's discovery client satisfies this.
type Resolver interface {
	Lookup(ctx context.Context, d discovery.Descriptor) (discovery.Endpoint, error)
}

// Server is the frontdoor proxy.
type Server struct {
	id       string
	table    *routing.Table
	resolver Resolver
	logger   zerolog.Logger

	// nodeTransport speaks h2c to nodes (prior knowledge); the general
	// transport serves every other hop.
	nodeTransport *http2.Transport
	transport     *http.Transport

	rp *httputil.ReverseProxy
}

type ctxKey int

const upstreamKey ctxKey = iota

type upstream struct {
	target   target
	addr     string
	ep       *discovery.Endpoint // set when resolved via discovery
	origHost string
	proto    string
}

// NewServer creates the frontdoor. id identifies this proxy instance in Via
// headers; resolver may be nil when running table-only.
func NewServer(id string, table *routing.Table, resolver Resolver) *Server {
	s := &Server{
		id:       id,
		table:    table,
		resolver: resolver,
		logger:   log.WithComponent("proxy"),
		nodeTransport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		transport: &http.Transport{
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
	s.rp = &httputil.ReverseProxy{
		Rewrite:        s.rewrite,
		Transport:      transportFunc(s.roundTrip),
		ErrorHandler:   s.upstreamError,
		FlushInterval:  100 * time.Millisecond,
		ModifyResponse: nil,
	}
	return s
}

// Handler returns the outer HTTP handler, traced.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(http.HandlerFunc(s.serve), "frontdoor")
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	tgt := classify(r)
	addr, ep, ok := s.resolve(r.Context(), tgt)
	if !ok {
		metrics.ProxyRequests.WithLabelValues(string(tgt.role), "no_upstream").Inc()
		s.logger.Warn().
			Str("role", string(tgt.role)).
			Str("path", r.URL.Path).
			Msg("no upstream available")
		webdriver.WriteError(w, http.StatusBadGateway, webdriver.ErrUnknown,
			fmt.Sprintf("no %s upstream available for %s", tgt.role, r.URL.Path))
		return
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	up := &upstream{target: tgt, addr: addr, ep: ep, origHost: r.Host, proto: proto}
	r = r.WithContext(context.WithValue(r.Context(), upstreamKey, up))

	metrics.ProxyRequests.WithLabelValues(string(tgt.role), "forwarded").Inc()
	s.rp.ServeHTTP(w, r)
}

// resolve picks an upstream address: routing table first, then discovery.
func (s *Server) resolve(ctx context.Context, tgt target) (string, *discovery.Endpoint, bool) {
	if tgt.id != "" {
		if addr, ok := s.table.Lookup(tgt.role, tgt.id); ok {
			return addr, nil, true
		}
	} else {
		if addr, ok := s.table.Pick(tgt.role); ok {
			return addr, nil, true
		}
	}
	if s.resolver == nil {
		return "", nil, false
	}
	ep, err := s.resolver.Lookup(ctx, descriptorFor(tgt))
	if err != nil {
		return "", nil, false
	}
	return ep.Addr, &ep, true
}

func descriptorFor(tgt target) discovery.Descriptor {
	switch tgt.role {
	case routing.RoleNode:
		return discovery.Node(tgt.id)
	case routing.RoleStorage:
		return discovery.Storage(tgt.id)
	case routing.RoleManager:
		return discovery.Manager()
	default:
		return discovery.API()
	}
}

func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	up, _ := pr.In.Context().Value(upstreamKey).(*upstream)
	if up == nil {
		return
	}
	u := &url.URL{Scheme: "http", Host: up.addr, Path: pr.In.URL.Path, RawQuery: pr.In.URL.RawQuery}
	if up.target.role == routing.RoleStorage {
		u.Path = stripStoragePrefix(pr.In.URL.Path, up.target.id)
	}
	pr.SetURL(u)
	pr.Out.Host = up.addr

	// Forwarded per RFC 7239 plus a Via hop marker. ProxyRequest already
	// stripped the hop-by-hop headers from the outbound request.
	clientIP := pr.In.RemoteAddr
	if host, _, err := net.SplitHostPort(pr.In.RemoteAddr); err == nil {
		clientIP = host
	}
	pr.Out.Header.Set("Forwarded",
		fmt.Sprintf("for=%s;host=%s;proto=%s", clientIP, up.origHost, up.proto))
	pr.Out.Header.Add("Via", "1.1 webgrid-proxy/"+s.id)
	if rid := pr.In.Header.Get("X-Request-Id"); rid != "" {
		pr.Out.Header.Set("X-Request-Id", rid)
	}
}

func (s *Server) roundTrip(r *http.Request) (*http.Response, error) {
	up, _ := r.Context().Value(upstreamKey).(*upstream)
	if up != nil && up.target.role == routing.RoleNode {
		return s.nodeTransport.RoundTrip(r)
	}
	return s.transport.RoundTrip(r)
}

func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	up, _ := r.Context().Value(upstreamKey).(*upstream)
	role := "unknown"
	if up != nil {
		role = string(up.target.role)
		// Drop the dead endpoint everywhere so the next request
		// rediscovers instead of hammering it.
		if up.ep != nil {
			up.ep.Unreachable()
		}
		if up.target.id != "" {
			s.table.Remove(up.target.role, up.target.id)
		}
	}
	metrics.ProxyRequests.WithLabelValues(role, "error").Inc()
	s.logger.Warn().
		Err(err).
		Str("role", role).
		Str("path", r.URL.Path).
		Msg("upstream request failed")

	msg := fmt.Sprintf("upstream %s request failed", role)
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		msg = fmt.Sprintf("%s (request %s)", msg, rid)
	}
	webdriver.WriteError(w, http.StatusBadGateway, webdriver.ErrUnknown, msg)
}

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
