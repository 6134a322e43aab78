package contexthandler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/kubeconfig"
)

const testKubeconfig = `apiVersion: v1
kind: Config
current-context: prod
clusters:
- name: prod-cluster
  cluster:
    server: https://10.0.0.5:6443
- name: staging-cluster
  cluster:
    server: https://staging.example.com/api-prefix
contexts:
- name: prod
  context:
    cluster: prod-cluster
    user: admin
    namespace: payments
- name: staging
  context:
    cluster: staging-cluster
    user: admin
users:
- name: admin
  user:
    token: real-token
`

const testPort = 9300

type fakeProxy struct {
	mu         sync.Mutex
	runs       int
	runErr     error
	runDelay   time.Duration
	alive      bool
	generation uint64
	lastError  string
	exits      int
	shutdowns  int
}

func (p *fakeProxy) Run(context.Context) error {
	time.Sleep(p.runDelay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	if p.runErr != nil {
		return p.runErr
	}
	if !p.alive {
		p.alive = true
		p.generation++
	}
	return nil
}

func (p *fakeProxy) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exits++
	p.alive = false
}

func (p *fakeProxy) Shutdown(context.Context, time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	p.alive = false
	return nil
}

func (p *fakeProxy) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProxy) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *fakeProxy) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// crash simulates the process exiting on its own.
func (p *fakeProxy) crash(lastError string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.lastError = lastError
}

// proxyFactory hands out fakeProxy instances and remembers them.
type proxyFactory struct {
	mu       sync.Mutex
	template fakeProxy
	created  []*fakeProxy
}

func (f *proxyFactory) New(authproxy.Cluster, ...authproxy.Option) Proxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProxy{runErr: f.template.runErr, runDelay: f.template.runDelay}
	f.created = append(f.created, p)
	return p
}

func (f *proxyFactory) proxies() []*fakeProxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProxy(nil), f.created...)
}

func newTestCluster(t *testing.T, rec cluster.Record) *cluster.Cluster {
	t.Helper()
	dir := t.TempDir()
	store := cluster.NewStore(filepath.Join(dir, "clusters.yaml"),
		cluster.WithPort(testPort),
		cluster.WithKubeconfigDir(filepath.Join(dir, "kubeconfigs")),
		cluster.WithSocketDir(filepath.Join(dir, "sockets")),
	)
	if rec.ID == "" {
		rec.ID = "abc123"
	}
	if rec.Kubeconfig == "" {
		rec.Kubeconfig = testKubeconfig
	}
	c, err := store.Add(rec)
	require.NoError(t, err)
	return c
}

func sourceOf(t *testing.T, c *cluster.Cluster) *clientcmdapi.Config {
	t.Helper()
	source, err := c.SourceConfig()
	require.NoError(t, err)
	return source
}

func newTestHandler(t *testing.T, rec cluster.Record, opts ...Option) (*Handler, *proxyFactory) {
	t.Helper()
	c := newTestCluster(t, rec)
	factory := &proxyFactory{}
	h, err := New(sourceOf(t, c), c, append([]Option{WithProxyFactory(factory.New)}, opts...)...)
	require.NoError(t, err)
	return h, factory
}

func mustLoad(t *testing.T, content string) *clientcmdapi.Config {
	t.Helper()
	cfg, err := kubeconfig.Load([]byte(content))
	require.NoError(t, err)
	return cfg
}
