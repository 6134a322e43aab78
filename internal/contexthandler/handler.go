package contexthandler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/kubeconfig"
	"github.com/giantswarm/kube-auth-proxy/internal/logging"
	"github.com/giantswarm/kube-auth-proxy/internal/prometheus"
)

// HTTPSProxyEnv is the proxy process variable set from the cluster's
// httpsProxy preference.
const HTTPSProxyEnv = "HTTPS_PROXY"

// Cluster is the cluster record a handler serves.
type Cluster interface {
	authproxy.Cluster
	Port() int
	Preferences() cluster.Preferences
}

// Proxy is the process supervisor a handler drives.
type Proxy interface {
	Run(ctx context.Context) error
	Exit()
	Shutdown(ctx context.Context, grace time.Duration) error
	Alive() bool
	Generation() uint64
	LastError() string
}

// ProxyFactory creates the supervisor of a cluster.
type ProxyFactory func(c authproxy.Cluster, opts ...authproxy.Option) Proxy

// ClientFactory creates a client for the cluster from its scoped kubeconfig.
type ClientFactory func(scoped *clientcmdapi.Config) (kubernetes.Interface, error)

// Recorder receives proxy and discovery measurements.
type Recorder interface {
	authproxy.Recorder
	RecordDiscovery(ctx context.Context, clusterID, provider string, duration time.Duration)
}

// Option configures a Handler.
type Option func(*Handler)

// WithRegistry sets the Prometheus providers used for discovery.
func WithRegistry(r *prometheus.Registry) Option {
	return func(h *Handler) {
		h.registry = r
	}
}

// WithClientFactory sets how the discovery client is created.
func WithClientFactory(f ClientFactory) Option {
	return func(h *Handler) {
		h.newClient = f
	}
}

// WithProxyFactory sets how the supervisor is created.
func WithProxyFactory(f ProxyFactory) Option {
	return func(h *Handler) {
		h.newProxy = f
	}
}

// WithProxyOptions adds options passed to every supervisor the handler creates.
func WithProxyOptions(opts ...authproxy.Option) Option {
	return func(h *Handler) {
		h.proxyOpts = append(h.proxyOpts, opts...)
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) {
		h.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler is the access context of one active cluster.
type Handler struct {
	cluster     Cluster
	clusterID   string
	contextName string
	namespace   string
	hostname    string
	serverPath  string
	apiBaseURL  string
	localAPIURL string
	scoped      *clientcmdapi.Config

	registry  *prometheus.Registry
	newClient ClientFactory
	newProxy  ProxyFactory
	proxyOpts []authproxy.Option
	recorder  Recorder
	logger    *slog.Logger

	ensure singleflight.Group

	mu               sync.Mutex
	proxy            Proxy
	target           *Target
	targetGeneration uint64
	displayName      string
	providerID       string
	metricsPath      string
	client           kubernetes.Interface
}

// New derives the scoped access context of c from source, the cluster's
// full credential set. It fails when source has no usable current context.
func New(source *clientcmdapi.Config, c Cluster, opts ...Option) (*Handler, error) {
	current, err := kubeconfig.Resolve(source)
	if err != nil {
		return nil, err
	}

	server, err := url.Parse(current.Server)
	if err != nil {
		return nil, &kubeconfig.ScopeError{
			ContextName: current.ContextName,
			Err:         fmt.Errorf("%w: invalid server URL %q: %v", kubeconfig.ErrInvalid, current.Server, err),
		}
	}

	id := c.ID()
	h := &Handler{
		cluster:     c,
		clusterID:   id,
		contextName: current.ContextName,
		namespace:   current.Namespace,
		hostname:    server.Hostname(),
		serverPath:  server.Path,
		apiBaseURL:  fmt.Sprintf("http://%s.localhost:%d/", id, c.Port()),
		localAPIURL: fmt.Sprintf("http://127.0.0.1:%d/%s", c.Port(), id),
		newClient:   NewClient,
		newProxy:    newSupervisor,
		recorder:    noopRecorder{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.WithCluster(h.logger, id)
	if h.registry == nil {
		h.registry = prometheus.DefaultRegistry()
		h.registry.SetLogger(h.logger)
	}

	h.scoped, err = kubeconfig.Scoped(source, h.localAPIURL, id)
	if err != nil {
		return nil, err
	}

	h.SetPreferences(c.Preferences())
	return h, nil
}

func newSupervisor(c authproxy.Cluster, opts ...authproxy.Option) Proxy {
	return authproxy.New(c, opts...)
}

// NewClient builds a clientset from a scoped kubeconfig.
func NewClient(scoped *clientcmdapi.Config) (kubernetes.Interface, error) {
	restConfig, err := clientcmd.NewDefaultClientConfig(*scoped, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build client config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// ID returns the cluster id, which is also the synthetic bearer token.
func (h *Handler) ID() string { return h.clusterID }

// ContextName returns the original kubeconfig context name.
func (h *Handler) ContextName() string { return h.contextName }

// Namespace returns the default namespace of the original context.
func (h *Handler) Namespace() string { return h.namespace }

// Hostname returns the hostname of the real API server.
func (h *Handler) Hostname() string { return h.hostname }

// APIBaseURL returns the loopback URL other components use to reach the cluster.
func (h *Handler) APIBaseURL() string { return h.apiBaseURL }

// LocalAPIURL returns the loopback URL the scoped kubeconfig points at.
func (h *Handler) LocalAPIURL() string { return h.localAPIURL }

// ScopedConfig returns a copy of the scoped credential set.
func (h *Handler) ScopedConfig() *clientcmdapi.Config {
	return h.scoped.DeepCopy()
}

// ScopedKubeconfig renders the scoped credential set as a kubeconfig file.
func (h *Handler) ScopedKubeconfig() ([]byte, error) {
	return kubeconfig.Serialize(h.scoped)
}

// DisplayName returns the user-visible cluster name.
func (h *Handler) DisplayName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.displayName
}

// SetPreferences derives the display name and any pinned metrics provider
// or service from prefs, replacing previously derived values.
func (h *Handler) SetPreferences(prefs cluster.Preferences) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.displayName = h.contextName
	if prefs.ClusterName != "" {
		h.displayName = prefs.ClusterName
	}

	h.providerID = ""
	if prefs.PrometheusProvider != nil {
		h.providerID = prefs.PrometheusProvider.Type
	}

	h.metricsPath = ""
	if p := prefs.Prometheus; p != nil {
		h.metricsPath = prometheus.FormatPath(p.Namespace, p.Service, int32(p.Port))
	}
}

// ApplyCredential sets the synthetic bearer token on req.
func (h *Handler) ApplyCredential(req *http.Request) {
	if inbound := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "); inbound != "" && inbound != h.clusterID {
		h.logger.Debug("replacing inbound credential", slog.String("token", logging.SanitizeToken(inbound)))
	}
	req.Header.Set("Authorization", "Bearer "+h.clusterID)
}

// RoutingTarget ensures the proxy runs and returns where to send a request.
// Short-lived targets are cached until the proxy is restarted; long-lived
// targets are built for every call and never cached.
func (h *Handler) RoutingTarget(ctx context.Context, longLived bool) (*Target, error) {
	if err := h.EnsureProxy(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var generation uint64
	if h.proxy != nil {
		generation = h.proxy.Generation()
	}

	span := trace.SpanFromContext(ctx)
	if longLived {
		span.SetAttributes(instrumentation.NewSpanAttributeBuilder().
			WithGeneration(generation).WithCacheHit(false).Build()...)
		return h.newTarget(LongLivedTimeout), nil
	}
	hit := h.target != nil && h.targetGeneration == generation
	span.SetAttributes(instrumentation.NewSpanAttributeBuilder().
		WithGeneration(generation).WithCacheHit(hit).Build()...)
	if hit {
		return h.target, nil
	}
	h.target = h.newTarget(ShortLivedTimeout)
	h.targetGeneration = generation
	return h.target, nil
}

func (h *Handler) newTarget(timeout time.Duration) *Target {
	return &Target{
		ChangeOrigin: true,
		Timeout:      timeout,
		Headers:      map[string]string{"Host": h.hostname},
		Destination: Destination{
			SocketPath: h.cluster.ProxySocketPath(),
			Protocol:   "http",
			Host:       "localhost",
			Path:       h.serverPath,
		},
	}
}

// EnsureProxy creates the supervisor on first use and runs it. A running
// proxy is left alone and an exited one is restarted. Concurrent callers
// share one attempt; a caller whose ctx ends stops waiting without
// cancelling it.
func (h *Handler) EnsureProxy(ctx context.Context) error {
	ch := h.ensure.DoChan("ensure", func() (any, error) {
		runCtx, span := instrumentation.StartClusterSpan(context.WithoutCancel(ctx), "ensure_proxy", h.clusterID)
		defer span.End()

		if err := h.supervisor().Run(runCtx); err != nil {
			instrumentation.SetSpanError(span, err)
			return nil, err
		}
		instrumentation.SetSpanSuccess(span)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) supervisor() Proxy {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proxy != nil {
		return h.proxy
	}

	env := os.Environ()
	if proxyURL := h.cluster.Preferences().HTTPSProxy; proxyURL != "" {
		env = authproxy.MergeEnv(env, map[string]string{HTTPSProxyEnv: proxyURL})
	}

	opts := append([]authproxy.Option{
		authproxy.WithEnv(env),
		authproxy.WithRecorder(h.recorder),
		authproxy.WithLogger(h.logger),
	}, h.proxyOpts...)
	h.proxy = h.newProxy(h.cluster, opts...)
	return h.proxy
}

// StopProxy asks the proxy to exit without waiting and drops the
// supervisor, so the next EnsureProxy starts a fresh one.
func (h *Handler) StopProxy() {
	h.mu.Lock()
	proxy := h.proxy
	h.proxy = nil
	h.target = nil
	h.mu.Unlock()

	if proxy != nil {
		proxy.Exit()
	}
}

// Close stops the proxy and waits for it to exit.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	proxy := h.proxy
	h.proxy = nil
	h.target = nil
	h.mu.Unlock()

	if proxy == nil {
		return nil
	}
	return proxy.Shutdown(ctx, authproxy.DefaultTerminateGrace)
}

// ProxyRunning reports whether the proxy process is alive.
func (h *Handler) ProxyRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proxy != nil && h.proxy.Alive()
}

// LastProxyError returns the last classified proxy error. The boolean is
// false when no supervisor exists.
func (h *Handler) LastProxyError() (string, bool) {
	h.mu.Lock()
	proxy := h.proxy
	h.mu.Unlock()

	if proxy == nil {
		return "", false
	}
	return proxy.LastError(), true
}

type noopRecorder struct{}

func (noopRecorder) RecordProxyStart(context.Context, string, string)                {}
func (noopRecorder) RecordProxyExit(context.Context, string, int)                    {}
func (noopRecorder) RecordProxyReady(context.Context, string, time.Duration, string) {}
func (noopRecorder) RecordKubeconfigUpdate(context.Context, string, string)          {}
func (noopRecorder) RecordDiscovery(context.Context, string, string, time.Duration)  {}
