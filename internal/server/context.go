package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/notify"
)

// ServerContext holds the dependencies of the local server and owns their
// shutdown.
type ServerContext struct {
	manager                 *clusters.Manager
	bus                     *notify.Bus
	logger                  *slog.Logger
	config                  *Config
	instrumentationProvider *instrumentation.Provider

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a ServerContext. A cluster manager is required.
func NewServerContext(ctx context.Context, opts ...Option) (*ServerContext, error) {
	serverCtx, cancel := context.WithCancel(ctx)

	sc := &ServerContext{
		ctx:    serverCtx,
		cancel: cancel,
		config: NewDefaultConfig(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(sc); err != nil {
			cancel()
			return nil, err
		}
	}

	if sc.bus == nil {
		sc.bus = notify.NewBus()
	}

	if err := sc.validate(); err != nil {
		cancel()
		return nil, err
	}
	return sc, nil
}

// Context is cancelled when the server context shuts down.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Manager returns the cluster manager.
func (sc *ServerContext) Manager() *clusters.Manager {
	return sc.manager
}

// Bus returns the proxy log bus.
func (sc *ServerContext) Bus() *notify.Bus {
	return sc.bus
}

// Logger returns the logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// Config returns the server configuration.
func (sc *ServerContext) Config() *Config {
	return sc.config
}

// InstrumentationProvider returns the instrumentation provider, which may be nil.
func (sc *ServerContext) InstrumentationProvider() *instrumentation.Provider {
	return sc.instrumentationProvider
}

// Metrics returns the metrics recorder. It is nil-safe to use.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	if sc.instrumentationProvider == nil {
		return nil
	}
	return sc.instrumentationProvider.Metrics()
}

// Shutdown deactivates all clusters, waiting for their proxies to exit,
// closes the log bus and cancels the context. Later calls do nothing.
func (sc *ServerContext) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	sc.mu.Unlock()

	sc.logger.Info("shutting down server context")

	var errs []error
	if err := sc.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop proxies: %w", err))
	}
	sc.bus.Close()
	sc.cancel()

	sc.logger.Info("server context shutdown complete")
	return errors.Join(errs...)
}

// IsShutdown reports whether Shutdown was called.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

func (sc *ServerContext) validate() error {
	if sc.manager == nil {
		return ErrMissingManager
	}
	if sc.logger == nil {
		return ErrMissingLogger
	}
	if sc.config == nil {
		return ErrMissingConfig
	}
	return nil
}

// Config holds the server configuration.
type Config struct {
	ServerName string `json:"serverName"`
	Version    string `json:"version"`

	// Port is the loopback port of the router.
	Port int `json:"port"`

	// AllowedOrigins may read management endpoints from a browser.
	AllowedOrigins []string `json:"allowedOrigins"`

	// MCPEndpoint is where MCP tools are served when enabled.
	MCPEndpoint string `json:"mcpEndpoint"`

	// MaxRequestBytes caps MCP request bodies. Zero disables the cap.
	MaxRequestBytes int64 `json:"maxRequestBytes"`
}

// NewDefaultConfig returns the default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		ServerName:      "kube-auth-proxy",
		Version:         "dev",
		Port:            cluster.DefaultPort,
		MCPEndpoint:     "/mcp",
		MaxRequestBytes: 1 << 20,
	}
}

// Addr returns the loopback listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.AllowedOrigins != nil {
		clone.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	}
	return &clone
}
