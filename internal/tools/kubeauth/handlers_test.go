package kubeauth

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/contexthandler"
	"github.com/giantswarm/kube-auth-proxy/internal/notify"
	"github.com/giantswarm/kube-auth-proxy/internal/server"
)

const testKubeconfig = `apiVersion: v1
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
users:
- name: admin
  user:
    token: real-token
`

type idleProxy struct {
	mu    sync.Mutex
	alive bool
}

func (p *idleProxy) Run(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = true
	return nil
}

func (p *idleProxy) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

func (p *idleProxy) Shutdown(context.Context, time.Duration) error {
	p.Exit()
	return nil
}

func (p *idleProxy) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *idleProxy) Generation() uint64 { return 1 }
func (p *idleProxy) LastError() string  { return "" }

func newTestServerContext(t *testing.T, objects ...*corev1.Service) *server.ServerContext {
	t.Helper()

	dir := t.TempDir()
	store := cluster.NewStore(filepath.Join(dir, "clusters.yaml"),
		cluster.WithKubeconfigDir(filepath.Join(dir, "kc")),
		cluster.WithSocketDir(filepath.Join(dir, "s")),
	)
	_, err := store.Add(cluster.Record{
		ID:          "abc123",
		Kubeconfig:  testKubeconfig,
		Preferences: cluster.Preferences{ClusterName: "Production"},
	})
	require.NoError(t, err)

	client := fake.NewSimpleClientset()
	for _, svc := range objects {
		_, err := client.CoreV1().Services(svc.Namespace).Create(context.Background(), svc, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	manager := clusters.NewManager(store, clusters.WithHandlerOptions(
		contexthandler.WithProxyFactory(func(authproxy.Cluster, ...authproxy.Option) contexthandler.Proxy {
			return &idleProxy{}
		}),
		contexthandler.WithClientFactory(func(*clientcmdapi.Config) (kubernetes.Interface, error) {
			return client, nil
		}),
	))
	require.NoError(t, manager.ActivateAll())

	sc, err := server.NewServerContext(context.Background(), server.WithManager(manager))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown(context.Background()) })
	return sc
}

func newRequest(args map[string]any) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Arguments = args
	return request
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestRegisterTools(t *testing.T) {
	sc := newTestServerContext(t)
	mcpSrv := mcpserver.NewMCPServer("test", "0.0.1",
		mcpserver.WithToolCapabilities(true),
	)

	require.NoError(t, RegisterTools(mcpSrv, sc))

	registered := mcpSrv.ListTools()
	for _, name := range []string{ToolClusters, ToolProxyLogs, ToolMetricsService} {
		assert.Contains(t, registered, name)
	}
}

func TestHandleListClusters(t *testing.T) {
	sc := newTestServerContext(t)

	result, err := handleListClusters(context.Background(), newRequest(nil), sc)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var statuses []clusters.Status
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "abc123", statuses[0].ID)
	assert.Equal(t, "Production", statuses[0].DisplayName)
	assert.Equal(t, "http://abc123.localhost:9191/", statuses[0].APIBaseURL)
	assert.False(t, statuses[0].ProxyRunning)

	result, err = handleListClusters(context.Background(), newRequest(map[string]any{"cluster": "abc123"}), sc)
	require.NoError(t, err)
	var status clusters.Status
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &status))
	assert.Equal(t, "prod", status.ContextName)

	result, err = handleListClusters(context.Background(), newRequest(map[string]any{"cluster": "zzz999"}), sc)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleProxyLogs(t *testing.T) {
	sc := newTestServerContext(t)
	channel := notify.ChannelName("abc123")
	ctx := context.Background()

	require.NoError(t, sc.Bus().Notify(ctx, channel, notify.LogMessage{Data: "Starting to serve", Stream: notify.StreamStdout}))
	require.NoError(t, sc.Bus().Notify(ctx, channel, notify.LogMessage{Data: "Unauthorized", Stream: notify.StreamStderr}))
	require.NoError(t, sc.Bus().Notify(ctx, channel, notify.LogMessage{Data: "Forbidden", Stream: notify.StreamStderr}))

	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{
			name: "all",
			args: map[string]any{"cluster": "abc123"},
			want: []string{"Starting to serve", "Unauthorized", "Forbidden"},
		},
		{
			name: "limited to newest",
			args: map[string]any{"cluster": "abc123", "limit": float64(2)},
			want: []string{"Unauthorized", "Forbidden"},
		},
		{
			name: "stream filter",
			args: map[string]any{"cluster": "abc123", "stream": "stdout"},
			want: []string{"Starting to serve"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handleProxyLogs(ctx, newRequest(tt.args), sc)
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))

			var lines []notify.LogMessage
			require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &lines))
			var got []string
			for _, line := range lines {
				got = append(got, line.Data)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleProxyLogsEmpty(t *testing.T) {
	sc := newTestServerContext(t)

	result, err := handleProxyLogs(context.Background(), newRequest(map[string]any{"cluster": "abc123"}), sc)
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))

	result, err = handleProxyLogs(context.Background(), newRequest(nil), sc)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "cluster is required", resultText(t, result))
}

func TestHandleMetricsService(t *testing.T) {
	tests := []struct {
		name     string
		services []*corev1.Service
		want     MetricsService
	}{
		{
			name: "operator install",
			services: []*corev1.Service{{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "prometheus-operated",
					Namespace: "monitoring",
					Labels:    map[string]string{"operated-prometheus": "true"},
				},
				Spec: corev1.ServiceSpec{Ports: []corev1.ServicePort{{Port: 9090}}},
			}},
			want: MetricsService{
				Cluster:  "abc123",
				Provider: "operator",
				Path:     "monitoring/services/prometheus-operated:9090",
				URL:      "http://abc123.localhost:9191/api/v1/namespaces/monitoring/services/prometheus-operated:9090/proxy",
			},
		},
		{
			name: "nothing installed falls back to lens",
			want: MetricsService{
				Cluster:  "abc123",
				Provider: "lens",
				Path:     "lens-metrics/services/prometheus:80",
				URL:      "http://abc123.localhost:9191/api/v1/namespaces/lens-metrics/services/prometheus:80/proxy",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newTestServerContext(t, tt.services...)

			result, err := handleMetricsService(context.Background(), newRequest(map[string]any{"cluster": "abc123"}), sc)
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))

			var got MetricsService
			require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleMetricsServiceUnknownCluster(t *testing.T) {
	sc := newTestServerContext(t)

	result, err := handleMetricsService(context.Background(), newRequest(map[string]any{"cluster": "zzz999"}), sc)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not found")
}
