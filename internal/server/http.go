package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/server/middleware"
)

// DefaultShutdownTimeout is the default timeout for graceful server shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// HTTPServerOption configures an HTTPServer.
type HTTPServerOption func(*HTTPServer)

// WithMCPHandler serves h at the configured MCP endpoint.
func WithMCPHandler(h http.Handler) HTTPServerOption {
	return func(s *HTTPServer) {
		s.mcpHandler = h
	}
}

// WithHeartbeatInterval sets the log stream heartbeat interval.
func WithHeartbeatInterval(d time.Duration) HTTPServerOption {
	return func(s *HTTPServer) {
		s.heartbeat = d
	}
}

// HTTPServer is the loopback server. Requests to <id>.localhost hosts and
// requests whose path matches no management endpoint are routed to
// clusters; everything else is served by the management endpoints.
type HTTPServer struct {
	sc         *ServerContext
	router     *Router
	health     *HealthChecker
	management *http.ServeMux
	mcpHandler http.Handler
	heartbeat  time.Duration
	handler    http.Handler
	server     *http.Server
}

// NewHTTPServer assembles the router and the management endpoints.
func NewHTTPServer(sc *ServerContext, opts ...HTTPServerOption) *HTTPServer {
	s := &HTTPServer{
		sc:         sc,
		router:     NewRouter(sc),
		health:     NewHealthChecker(sc),
		management: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	config := sc.Config()
	s.health.RegisterHealthEndpoints(s.management)
	s.management.Handle("GET /kube-auth/status", StatusHandler(sc))
	s.management.Handle("GET /kube-auth/{id}/logs", LogStreamHandler(sc, s.heartbeat))
	if s.mcpHandler != nil {
		s.management.Handle(config.MCPEndpoint, middleware.MaxRequestSize(config.MaxRequestBytes)(s.mcpHandler))
	}

	management := middleware.CORS(config.AllowedOrigins)(middleware.SecurityHeaders()(s.management))
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := clusters.ClusterIDFromHost(r.Host); ok {
			s.router.ServeHTTP(w, r)
			return
		}
		if _, pattern := s.management.Handler(r); pattern != "" {
			management.ServeHTTP(w, r)
			return
		}
		s.router.ServeHTTP(w, r)
	})
	s.handler = middleware.HTTPMetrics(sc.InstrumentationProvider())(dispatch)

	// No write timeout: watch requests stream for hours and carry their
	// own deadline.
	s.server = &http.Server{
		Addr:              config.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return sc.Context() },
	}
	return s
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Health returns the health checker.
func (s *HTTPServer) Health() *HealthChecker {
	return s.health
}

// Addr returns the listen address.
func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// Start listens on the configured address and serves until Shutdown.
func (s *HTTPServer) Start() error {
	return s.Serve(nil)
}

// Serve serves on l, or on the configured address when l is nil. It returns
// nil after Shutdown.
func (s *HTTPServer) Serve(l net.Listener) error {
	var err error
	if l == nil {
		err = s.server.ListenAndServe()
	} else {
		err = s.server.Serve(l)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown marks the server not ready, stops accepting requests and
// waits for in-flight requests until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	err := s.server.Shutdown(ctx)
	s.router.CloseIdleConnections()
	return err
}
