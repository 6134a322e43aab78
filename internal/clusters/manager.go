package clusters

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/contexthandler"
	"github.com/giantswarm/kube-auth-proxy/internal/logging"
)

const hostSuffix = ".localhost"

// Status summarizes an active cluster.
type Status struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	ContextName  string `json:"contextName"`
	APIBaseURL   string `json:"apiBaseURL"`
	ProxyRunning bool   `json:"proxyRunning"`
	LastError    string `json:"lastError,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithHandlerOptions adds options passed to every handler.
func WithHandlerOptions(opts ...contexthandler.Option) Option {
	return func(m *Manager) {
		m.handlerOpts = append(m.handlerOpts, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns the handlers of active clusters.
type Manager struct {
	store       *cluster.Store
	handlerOpts []contexthandler.Option
	logger      *slog.Logger

	mu     sync.RWMutex
	active map[string]*contexthandler.Handler
}

// NewManager returns a manager for the clusters in store. No cluster is active.
func NewManager(store *cluster.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		active: make(map[string]*contexthandler.Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the backing cluster store.
func (m *Manager) Store() *cluster.Store {
	return m.store
}

// Activate materializes the cluster's kubeconfig and creates its handler.
// Activating an active cluster returns its existing handler.
func (m *Manager) Activate(id string) (*contexthandler.Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.active[id]; ok {
		return h, nil
	}

	c, ok := m.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	if err := c.Materialize(); err != nil {
		return nil, fmt.Errorf("failed to activate cluster %s: %w", id, err)
	}
	source, err := c.SourceConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to activate cluster %s: %w", id, err)
	}

	opts := append([]contexthandler.Option{contexthandler.WithLogger(m.logger)}, m.handlerOpts...)
	h, err := contexthandler.New(source, c, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to activate cluster %s: %w", id, err)
	}
	m.active[id] = h

	m.logger.Info("cluster activated", logging.Cluster(id), logging.Context(h.ContextName()))
	return h, nil
}

// ActivateAll activates every stored cluster. Clusters that fail are
// reported in the joined error and stay inactive.
func (m *Manager) ActivateAll() error {
	var errs []error
	for _, c := range m.store.List() {
		if _, err := m.Activate(c.ID()); err != nil {
			m.logger.Warn("cluster activation failed", logging.Cluster(c.ID()), logging.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deactivate stops the cluster's proxy and drops its handler.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s is not active", ErrClusterNotFound, id)
	}
	m.logger.Info("cluster deactivated", logging.Cluster(id))
	return h.Close(ctx)
}

// Add stores a new cluster without activating it.
func (m *Manager) Add(rec cluster.Record) (*cluster.Cluster, error) {
	return m.store.Add(rec)
}

// Remove deletes an inactive cluster from the store.
func (m *Manager) Remove(id string) error {
	m.mu.RLock()
	_, active := m.active[id]
	m.mu.RUnlock()
	if active {
		return fmt.Errorf("%w: %s", ErrClusterActive, id)
	}

	removed, err := m.store.Remove(id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	return nil
}

// SetPreferences stores prefs and applies them to an active handler.
func (m *Manager) SetPreferences(id string, prefs cluster.Preferences) error {
	c, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	if err := c.SetPreferences(prefs); err != nil {
		return err
	}
	if h, ok := m.Handler(id); ok {
		h.SetPreferences(prefs)
	}
	return nil
}

// Handler returns the handler of an active cluster.
func (m *Manager) Handler(id string) (*contexthandler.Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.active[id]
	return h, ok
}

// Active returns the handlers of active clusters ordered by id.
func (m *Manager) Active() []*contexthandler.Handler {
	m.mu.RLock()
	handlers := make([]*contexthandler.Handler, 0, len(m.active))
	for _, h := range m.active {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	slices.SortFunc(handlers, func(a, b *contexthandler.Handler) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return handlers
}

// Statuses summarizes the active clusters ordered by id.
func (m *Manager) Statuses() []Status {
	handlers := m.Active()
	statuses := make([]Status, 0, len(handlers))
	for _, h := range handlers {
		lastError, _ := h.LastProxyError()
		statuses = append(statuses, Status{
			ID:           h.ID(),
			DisplayName:  h.DisplayName(),
			ContextName:  h.ContextName(),
			APIBaseURL:   h.APIBaseURL(),
			ProxyRunning: h.ProxyRunning(),
			LastError:    lastError,
		})
	}
	return statuses
}

// Resolve finds the active cluster a request is addressed to and returns
// the request path relative to that cluster. Requests name the cluster
// either by host, as in abc123.localhost:9191, or by the first path
// segment, as in 127.0.0.1:9191/abc123/api.
func (m *Manager) Resolve(r *http.Request) (*contexthandler.Handler, string, error) {
	if id, ok := ClusterIDFromHost(r.Host); ok {
		h, found := m.Handler(id)
		if !found {
			return nil, "", fmt.Errorf("%w: %s", ErrClusterNotFound, id)
		}
		return h, r.URL.Path, nil
	}

	id, rest := splitPath(r.URL.Path)
	if id == "" {
		return nil, "", fmt.Errorf("%w: request names no cluster", ErrClusterNotFound)
	}
	h, found := m.Handler(id)
	if !found {
		return nil, "", fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	return h, rest, nil
}

// ClusterIDFromHost extracts the cluster id from a <id>.localhost host.
func ClusterIDFromHost(host string) (string, bool) {
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		host = hostname
	}
	id, ok := strings.CutSuffix(host, hostSuffix)
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

func splitPath(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	id, rest, _ := strings.Cut(trimmed, "/")
	return id, "/" + rest
}

// Shutdown deactivates every cluster and waits for their proxies to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handlers := m.active
	m.active = make(map[string]*contexthandler.Handler)
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for id, h := range handlers {
		g.Go(func() error {
			if err := h.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("cluster %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
