package contexthandler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/kubeconfig"
)

func TestNew(t *testing.T) {
	h, _ := newTestHandler(t, cluster.Record{})

	assert.Equal(t, "abc123", h.ID())
	assert.Equal(t, "prod", h.ContextName())
	assert.Equal(t, "payments", h.Namespace())
	assert.Equal(t, "10.0.0.5", h.Hostname())
	assert.Equal(t, "http://abc123.localhost:9300/", h.APIBaseURL())
	assert.Equal(t, "http://127.0.0.1:9300/abc123", h.LocalAPIURL())
	assert.Equal(t, "prod", h.DisplayName())

	scoped := h.ScopedConfig()
	require.Len(t, scoped.Clusters, 1)
	require.Len(t, scoped.AuthInfos, 1)
	require.Len(t, scoped.Contexts, 1)
	assert.Equal(t, "prod", scoped.CurrentContext)

	for _, c := range scoped.Clusters {
		assert.Equal(t, "http://127.0.0.1:9300/abc123", c.Server)
		assert.True(t, c.InsecureSkipTLSVerify)
	}
	for _, u := range scoped.AuthInfos {
		assert.Equal(t, "abc123", u.Token)
	}
	assert.Equal(t, "payments", scoped.Contexts["prod"].Namespace)

	// Mutating the copy leaves the handler untouched.
	scoped.CurrentContext = "other"
	assert.Equal(t, "prod", h.ScopedConfig().CurrentContext)

	data, err := h.ScopedKubeconfig()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "real-token")
	assert.Contains(t, string(data), "abc123")
}

func TestNewWithContext(t *testing.T) {
	h, _ := newTestHandler(t, cluster.Record{ContextName: "staging"})

	assert.Equal(t, "staging", h.ContextName())
	assert.Equal(t, "", h.Namespace())
	assert.Equal(t, "staging.example.com", h.Hostname())
}

func TestNewErrors(t *testing.T) {
	c := newTestCluster(t, cluster.Record{})

	tests := []struct {
		name    string
		source  string
		wantErr error
	}{
		{
			name:    "no current context",
			source:  "apiVersion: v1\nkind: Config\n",
			wantErr: kubeconfig.ErrMissingCurrentContext,
		},
		{
			name: "missing user",
			source: `apiVersion: v1
kind: Config
current-context: prod
clusters:
- name: prod-cluster
  cluster:
    server: https://10.0.0.5:6443
contexts:
- name: prod
  context:
    cluster: prod-cluster
    user: admin
`,
			wantErr: kubeconfig.ErrMissingCurrentUser,
		},
		{
			name: "missing cluster",
			source: `apiVersion: v1
kind: Config
current-context: prod
contexts:
- name: prod
  context:
    cluster: prod-cluster
    user: admin
users:
- name: admin
  user:
    token: real-token
`,
			wantErr: kubeconfig.ErrMissingCurrentCluster,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(mustLoad(t, tt.source), c)
			require.Error(t, err)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, tt.wantErr)

			var scopeErr *kubeconfig.ScopeError
			assert.True(t, errors.As(err, &scopeErr))
		})
	}
}

func TestSetPreferences(t *testing.T) {
	tests := []struct {
		name         string
		prefs        cluster.Preferences
		wantName     string
		wantProvider string
		wantPath     string
	}{
		{
			name:     "defaults",
			wantName: "prod",
		},
		{
			name:     "display name override",
			prefs:    cluster.Preferences{ClusterName: "Production"},
			wantName: "Production",
		},
		{
			name: "pinned provider and service",
			prefs: cluster.Preferences{
				PrometheusProvider: &cluster.ProviderPreferences{Type: "operator"},
				Prometheus:         &cluster.PrometheusPreferences{Namespace: "monitoring", Service: "prom", Port: 9090},
			},
			wantName:     "prod",
			wantProvider: "operator",
			wantPath:     "monitoring/services/prom:9090",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, cluster.Record{})

			// Derived state is replaced, never merged.
			h.SetPreferences(cluster.Preferences{
				ClusterName:        "stale",
				PrometheusProvider: &cluster.ProviderPreferences{Type: "helm"},
				Prometheus:         &cluster.PrometheusPreferences{Namespace: "old", Service: "old", Port: 1},
			})
			h.SetPreferences(tt.prefs)
			h.SetPreferences(tt.prefs)

			assert.Equal(t, tt.wantName, h.DisplayName())
			h.mu.Lock()
			defer h.mu.Unlock()
			assert.Equal(t, tt.wantProvider, h.providerID)
			assert.Equal(t, tt.wantPath, h.metricsPath)
		})
	}
}

func TestNewAppliesStoredPreferences(t *testing.T) {
	h, _ := newTestHandler(t, cluster.Record{
		Preferences: cluster.Preferences{ClusterName: "Production"},
	})
	assert.Equal(t, "Production", h.DisplayName())
}

func TestApplyCredential(t *testing.T) {
	h, _ := newTestHandler(t, cluster.Record{})

	req := httptest.NewRequest("GET", "http://abc123.localhost:9300/api/v1/pods", nil)
	req.Header.Set("Authorization", "Bearer user-supplied")
	h.ApplyCredential(req)

	assert.Equal(t, "Bearer abc123", req.Header.Get("Authorization"))
	assert.Len(t, req.Header.Values("Authorization"), 1)
}

func TestApplyCredentialLogsMaskedInboundToken(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h, _ := newTestHandler(t, cluster.Record{}, WithLogger(logger))

	req := httptest.NewRequest("GET", "http://abc123.localhost:9300/api/v1/pods", nil)
	req.Header.Set("Authorization", "Bearer user-supplied")
	h.ApplyCredential(req)

	assert.Contains(t, buf.String(), "replacing inbound credential")
	assert.Contains(t, buf.String(), "[token:13 chars]")
	assert.NotContains(t, buf.String(), "user-supplied")

	buf.Reset()
	h.ApplyCredential(req)
	assert.Empty(t, buf.String())
}

func TestRoutingTarget(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandler(t, cluster.Record{})

	short, err := h.RoutingTarget(ctx, false)
	require.NoError(t, err)
	again, err := h.RoutingTarget(ctx, false)
	require.NoError(t, err)
	assert.Same(t, short, again)

	assert.True(t, short.ChangeOrigin)
	assert.Equal(t, int64(30000), short.TimeoutMillis())
	assert.Equal(t, map[string]string{"Host": "10.0.0.5"}, short.Headers)
	assert.Equal(t, Destination{
		SocketPath: h.cluster.ProxySocketPath(),
		Protocol:   "http",
		Host:       "localhost",
		Path:       "",
	}, short.Destination)

	long, err := h.RoutingTarget(ctx, true)
	require.NoError(t, err)
	longAgain, err := h.RoutingTarget(ctx, true)
	require.NoError(t, err)
	assert.NotSame(t, long, longAgain)
	assert.Equal(t, int64(4*60*60*1000), long.TimeoutMillis())
	assert.Equal(t, short.Destination, long.Destination)

	cached, err := h.RoutingTarget(ctx, false)
	require.NoError(t, err)
	assert.Same(t, short, cached)
	assert.Equal(t, ShortLivedTimeout, cached.Timeout)
}

func TestRoutingTargetSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")
	h, _ := newTestHandler(t, cluster.Record{})

	for _, longLived := range []bool{false, false, true} {
		ctx, span := tracer.Start(context.Background(), "route")
		_, err := h.RoutingTarget(ctx, longLived)
		require.NoError(t, err)
		span.End()
	}

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	attrs := func(i int) map[attribute.Key]attribute.Value {
		out := make(map[attribute.Key]attribute.Value)
		for _, kv := range spans[i].Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	tests := []struct {
		span     int
		cacheHit bool
	}{
		{span: 0, cacheHit: false},
		{span: 1, cacheHit: true},
		{span: 2, cacheHit: false},
	}
	for _, tt := range tests {
		got := attrs(tt.span)
		assert.Equal(t, tt.cacheHit, got[instrumentation.SpanAttrCacheHit].AsBool(), "span %d", tt.span)
		assert.Equal(t, int64(1), got[instrumentation.SpanAttrGeneration].AsInt64(), "span %d", tt.span)
	}
}

func TestRoutingTargetPath(t *testing.T) {
	h, _ := newTestHandler(t, cluster.Record{ContextName: "staging"})

	target, err := h.RoutingTarget(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "/api-prefix", target.Destination.Path)
	assert.Equal(t, "staging.example.com", target.Headers["Host"])
}

func TestRoutingTargetAfterRestart(t *testing.T) {
	ctx := context.Background()
	h, factory := newTestHandler(t, cluster.Record{})

	first, err := h.RoutingTarget(ctx, false)
	require.NoError(t, err)

	proxies := factory.proxies()
	require.Len(t, proxies, 1)
	proxies[0].crash("connection refused")

	second, err := h.RoutingTarget(ctx, false)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, uint64(2), proxies[0].Generation())

	third, err := h.RoutingTarget(ctx, false)
	require.NoError(t, err)
	assert.Same(t, second, third)
}

func TestRoutingTargetEnsureFailure(t *testing.T) {
	h, factory := newTestHandler(t, cluster.Record{})
	factory.template.runErr = errors.New("spawn failed")

	target, err := h.RoutingTarget(context.Background(), false)
	assert.Nil(t, target)
	assert.EqualError(t, err, "spawn failed")
}

func TestEnsureProxySingleFlight(t *testing.T) {
	h, factory := newTestHandler(t, cluster.Record{})
	factory.template.runDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.EnsureProxy(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	proxies := factory.proxies()
	require.Len(t, proxies, 1)
	assert.Equal(t, uint64(1), proxies[0].Generation())
	assert.True(t, h.ProxyRunning())
}

func TestEnsureProxyCallerCancel(t *testing.T) {
	h, factory := newTestHandler(t, cluster.Record{})
	factory.template.runDelay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := h.EnsureProxy(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared attempt keeps going for other callers.
	require.NoError(t, h.EnsureProxy(context.Background()))
	assert.Len(t, factory.proxies(), 1)
}

func TestStopProxy(t *testing.T) {
	ctx := context.Background()
	h, factory := newTestHandler(t, cluster.Record{})

	msg, ok := h.LastProxyError()
	assert.False(t, ok)
	assert.Empty(t, msg)

	// Stopping without a supervisor is a no-op.
	h.StopProxy()
	assert.Empty(t, factory.proxies())

	require.NoError(t, h.EnsureProxy(ctx))
	first := factory.proxies()[0]
	first.crash("bad token")

	msg, ok = h.LastProxyError()
	assert.True(t, ok)
	assert.Equal(t, "bad token", msg)

	h.StopProxy()
	assert.Equal(t, 1, first.exits)
	_, ok = h.LastProxyError()
	assert.False(t, ok)
	assert.False(t, h.ProxyRunning())

	require.NoError(t, h.EnsureProxy(ctx))
	proxies := factory.proxies()
	require.Len(t, proxies, 2)
	assert.NotSame(t, first, proxies[1])
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	h, factory := newTestHandler(t, cluster.Record{})

	require.NoError(t, h.Close(ctx))

	require.NoError(t, h.EnsureProxy(ctx))
	require.NoError(t, h.Close(ctx))
	assert.Equal(t, 1, factory.proxies()[0].shutdowns)
	assert.False(t, h.ProxyRunning())
}
