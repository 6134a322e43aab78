package server

import (
	"errors"
	"log/slog"

	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/notify"
)

// Option is a functional option for configuring ServerContext.
type Option func(*ServerContext) error

// WithManager sets the cluster manager.
func WithManager(m *clusters.Manager) Option {
	return func(sc *ServerContext) error {
		if m == nil {
			return ErrMissingManager
		}
		sc.manager = m
		return nil
	}
}

// WithBus sets the log bus proxies publish to. It must be the bus the
// supervisors were given.
func WithBus(bus *notify.Bus) Option {
	return func(sc *ServerContext) error {
		sc.bus = bus
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(sc *ServerContext) error {
		if logger == nil {
			return ErrMissingLogger
		}
		sc.logger = logger
		return nil
	}
}

// WithConfig sets the configuration. The config is copied.
func WithConfig(config *Config) Option {
	return func(sc *ServerContext) error {
		if config == nil {
			return ErrMissingConfig
		}
		sc.config = config.Clone()
		return nil
	}
}

// WithVersion sets the reported version.
func WithVersion(version string) Option {
	return func(sc *ServerContext) error {
		sc.config.Version = version
		return nil
	}
}

// WithAllowedOrigins sets the browser origins allowed to read management endpoints.
func WithAllowedOrigins(origins []string) Option {
	return func(sc *ServerContext) error {
		sc.config.AllowedOrigins = append([]string(nil), origins...)
		return nil
	}
}

// WithInstrumentationProvider sets the OpenTelemetry provider.
func WithInstrumentationProvider(provider *instrumentation.Provider) Option {
	return func(sc *ServerContext) error {
		sc.instrumentationProvider = provider
		return nil
	}
}

// Error definitions for ServerContext validation and operations.
var (
	ErrMissingManager = errors.New("cluster manager is required")
	ErrMissingLogger  = errors.New("logger is required")
	ErrMissingConfig  = errors.New("configuration is required")
	ErrServerShutdown = errors.New("server context has been shutdown")
)
