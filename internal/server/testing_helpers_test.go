package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/contexthandler"
	"github.com/giantswarm/kube-auth-proxy/internal/notify"
)

const prodKubeconfig = `apiVersion: v1
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

const stagingKubeconfig = `apiVersion: v1
kind: Config
current-context: staging
clusters:
- name: staging-cluster
  cluster:
    server: https://staging.example.com/prefix
contexts:
- name: staging
  context:
    cluster: staging-cluster
    user: admin
users:
- name: admin
  user:
    token: real-token
`

// echoed is what the fake upstream reports about a forwarded request.
type echoed struct {
	Host          string `json:"host"`
	Path          string `json:"path"`
	Query         string `json:"query"`
	Authorization string `json:"authorization"`
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echoed{
			Host:          r.Host,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
		})
	})
}

// socketProxy stands in for the authentication proxy: Run serves an HTTP
// handler on the cluster's unix socket.
type socketProxy struct {
	cluster  authproxy.Cluster
	handler  http.Handler
	runErr   error
	noListen bool

	mu         sync.Mutex
	srv        *http.Server
	alive      bool
	generation uint64
	lastError  string
}

func (p *socketProxy) Run(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runErr != nil {
		return p.runErr
	}
	if p.alive {
		return nil
	}
	p.alive = true
	p.generation++
	if p.noListen {
		return nil
	}

	socket := p.cluster.ProxySocketPath()
	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		return err
	}
	_ = os.Remove(socket)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return err
	}
	p.srv = &http.Server{Handler: p.handler, ReadHeaderTimeout: time.Second}
	go func() { _ = p.srv.Serve(ln) }()
	return nil
}

func (p *socketProxy) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		_ = p.srv.Close()
		p.srv = nil
	}
	p.alive = false
}

func (p *socketProxy) Exit() { p.stop() }

func (p *socketProxy) Shutdown(context.Context, time.Duration) error {
	p.stop()
	return nil
}

func (p *socketProxy) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *socketProxy) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *socketProxy) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// proxyFactory configures every socketProxy it creates.
type proxyFactory struct {
	handler   http.Handler
	runErr    error
	noListen  bool
	lastError string
}

func (f *proxyFactory) New(c authproxy.Cluster, _ ...authproxy.Option) contexthandler.Proxy {
	return &socketProxy{
		cluster:   c,
		handler:   f.handler,
		runErr:    f.runErr,
		noListen:  f.noListen,
		lastError: f.lastError,
	}
}

// newTestServerContext stores and activates the prod (abc123) and staging
// (def456) clusters.
func newTestServerContext(t *testing.T, factory *proxyFactory, opts ...Option) *ServerContext {
	t.Helper()
	if factory.handler == nil {
		factory.handler = echoHandler()
	}

	// Unix socket paths are length limited, so avoid the long t.TempDir().
	dir, err := os.MkdirTemp("", "kap")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	store := cluster.NewStore(filepath.Join(dir, "clusters.yaml"),
		cluster.WithPort(9191),
		cluster.WithKubeconfigDir(filepath.Join(dir, "kc")),
		cluster.WithSocketDir(filepath.Join(dir, "s")),
	)
	_, err = store.Add(cluster.Record{ID: "abc123", Kubeconfig: prodKubeconfig})
	require.NoError(t, err)
	_, err = store.Add(cluster.Record{
		ID:          "def456",
		Kubeconfig:  stagingKubeconfig,
		Preferences: cluster.Preferences{ClusterName: "Staging"},
	})
	require.NoError(t, err)

	manager := clusters.NewManager(store, clusters.WithHandlerOptions(contexthandler.WithProxyFactory(factory.New)))
	require.NoError(t, manager.ActivateAll())

	all := append([]Option{WithManager(manager), WithBus(notify.NewBus())}, opts...)
	sc, err := NewServerContext(context.Background(), all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sc.Shutdown(ctx)
	})
	return sc
}

var errSpawn = &authproxy.SpawnError{
	ClusterID: "abc123",
	Binary:    "kubectl",
	Err:       authproxy.ErrBinaryNotFound,
}
