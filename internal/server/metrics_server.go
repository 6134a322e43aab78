package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
)

// DefaultMetricsAddr is the default listen address of the metrics server.
const DefaultMetricsAddr = "127.0.0.1:9192"

// MetricsServerConfig configures the metrics server.
type MetricsServerConfig struct {
	Addr                    string
	Enabled                 bool
	InstrumentationProvider *instrumentation.Provider
}

// MetricsServer serves /metrics on its own listener, apart from routed
// cluster traffic.
type MetricsServer struct {
	addr   string
	server *http.Server

	mu      sync.Mutex
	started bool
}

// NewMetricsServer creates a metrics server. An instrumentation provider is required.
func NewMetricsServer(config MetricsServerConfig) (*MetricsServer, error) {
	if config.InstrumentationProvider == nil {
		return nil, errors.New("instrumentation provider is required")
	}

	addr := config.Addr
	if addr == "" {
		addr = DefaultMetricsAddr
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", config.InstrumentationProvider.PrometheusHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &MetricsServer{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Addr returns the listen address.
func (s *MetricsServer) Addr() string {
	return s.addr
}

// Start listens and serves until Shutdown. It returns http.ErrServerClosed
// after a shutdown.
func (s *MetricsServer) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully. It is a no-op before Start.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.server.Shutdown(ctx)
}
