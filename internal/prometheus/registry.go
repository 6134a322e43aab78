package prometheus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/giantswarm/kube-auth-proxy/internal/logging"
)

// Registry is an ordered set of providers. Registration order decides
// which match wins when several providers recognize a cluster.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	logger    *slog.Logger
}

// NewRegistry returns a registry holding providers in the given order.
// Providers with a duplicate id are ignored.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{logger: slog.Default()}
	for _, p := range providers {
		_ = r.Register(p)
	}
	return r
}

// DefaultRegistry returns the built-in providers.
func DefaultRegistry() *Registry {
	return NewRegistry(Lens(), Helm(), Operator(), StackLight())
}

// SetLogger sets the logger used to report probe failures.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register appends p. It fails if a provider with the same id exists.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.providers {
		if existing.ID() == p.ID() {
			return fmt.Errorf("prometheus provider %q already registered", p.ID())
		}
	}
	r.providers = append(r.providers, p)
	return nil
}

// Providers returns the registered providers in order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.providers...)
}

// ByID returns the provider registered under id.
func (r *Registry) ByID(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.ID() == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
}

// Discover probes the cluster with every provider, or only the provider
// pinned by id when pinnedID is set, and returns the first match in
// registration order. Probe failures count as no match. Without any match
// DefaultService is returned, so discovery never fails.
func (r *Registry) Discover(ctx context.Context, client kubernetes.Interface, pinnedID string) Service {
	r.mu.RLock()
	logger := r.logger
	r.mu.RUnlock()

	candidates := r.Providers()
	if pinnedID != "" {
		pinned, err := r.ByID(pinnedID)
		if err != nil {
			candidates = nil
		} else {
			candidates = []Provider{pinned}
		}
	}

	results := make([]*Service, len(candidates))
	var g errgroup.Group
	for i, p := range candidates {
		g.Go(func() error {
			svc, err := p.PrometheusService(ctx, client)
			if err != nil {
				logger.Debug("prometheus provider probe failed", logging.Provider(p.ID()), logging.Err(err))
				return nil
			}
			results[i] = svc
			return nil
		})
	}
	_ = g.Wait()

	for _, svc := range results {
		if svc != nil {
			return *svc
		}
	}
	return DefaultService()
}
