package authproxy

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/kube-auth-proxy/internal/notify"
)

// fakeKubectl stands in for "kubectl proxy". It records its arguments,
// creates the socket file passed with -u and then runs until terminated.
const fakeKubectl = `#!/bin/sh
echo "$@" >> "$FAKE_KUBECTL_ARGS"
socket=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-u" ]; then socket="$2"; fi
  shift
done
if [ -n "$FAKE_KUBECTL_EXIT" ]; then
  echo 'E0101 proxy_server.go:147] http: proxy error: Unauthorized Response: {"error_description":"bad token"}' >&2
  exit "$FAKE_KUBECTL_EXIT"
fi
if [ -n "$FAKE_KUBECTL_LONG_LINE" ]; then
  head -c "$FAKE_KUBECTL_LONG_LINE" /dev/zero | tr '\0' 'x' >&2
  echo >&2
  i=0
  while [ $i -lt 2000 ]; do
    echo "I0101 round_trippers.go:553] GET https://10.0.0.5:6443/api/v1/pods 200 OK" >&2
    i=$((i + 1))
  done
fi
sleep "${FAKE_KUBECTL_DELAY:-0}" </dev/null >/dev/null 2>&1
: > "$socket"
echo "Starting to serve on $socket"
echo "E0101 proxy_server.go:147] Error while proxying request: http: proxy error: dial tcp: connection refused" >&2
if [ -n "$FAKE_KUBECTL_STDERR" ]; then
  sleep 0.2 </dev/null >/dev/null 2>&1
  printf '%b' "$FAKE_KUBECTL_STDERR" >&2
fi
trap 'exit 0' TERM
while :; do sleep 0.05 </dev/null >/dev/null 2>&1; done
`

type fakeCluster struct {
	id             string
	contextName    string
	apiURL         string
	kubeconfigPath string
	socketPath     string

	mu        sync.Mutex
	updates   []string
	updateErr error
}

func (c *fakeCluster) ID() string              { return c.id }
func (c *fakeCluster) ContextName() string     { return c.contextName }
func (c *fakeCluster) APIURL() (string, error) { return c.apiURL, nil }
func (c *fakeCluster) KubeconfigPath() string  { return c.kubeconfigPath }
func (c *fakeCluster) ProxySocketPath() string { return c.socketPath }

func (c *fakeCluster) UpdateKubeconfig(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updates = append(c.updates, content)
	return nil
}

func (c *fakeCluster) Updates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updates...)
}

type harness struct {
	cluster  *fakeCluster
	binary   string
	argsFile string
	bus      *notify.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake proxy executable requires a POSIX shell")
	}

	dir := t.TempDir()
	binary := filepath.Join(dir, "kubectl")
	require.NoError(t, os.WriteFile(binary, []byte(fakeKubectl), 0o755))

	kubeconfigPath := filepath.Join(dir, "kubeconfigs", "abc123-kubeconfig")
	require.NoError(t, os.MkdirAll(filepath.Dir(kubeconfigPath), 0o700))
	require.NoError(t, os.WriteFile(kubeconfigPath, []byte("apiVersion: v1\nkind: Config\n"), 0o600))

	return &harness{
		cluster: &fakeCluster{
			id:             "abc123",
			contextName:    "prod",
			apiURL:         "https://10.0.0.5:6443",
			kubeconfigPath: kubeconfigPath,
			socketPath:     filepath.Join(dir, "sockets", "abc123.sock"),
		},
		binary:   binary,
		argsFile: filepath.Join(dir, "args"),
		bus:      notify.NewBus(),
	}
}

func (h *harness) supervisor(t *testing.T, extraEnv map[string]string, opts ...Option) *Supervisor {
	t.Helper()
	env := map[string]string{"FAKE_KUBECTL_ARGS": h.argsFile}
	for k, v := range extraEnv {
		env[k] = v
	}

	all := []Option{
		WithBinaryLocator(func(context.Context) (string, error) { return h.binary, nil }),
		WithEnv(MergeEnv(os.Environ(), env)),
		WithNotifier(h.bus),
		WithReadyTimeout(10 * time.Second),
		WithVerbose(false),
	}
	s := New(h.cluster, append(all, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx, time.Second)
	})
	return s
}

// invocations returns the argument lines recorded by the fake proxy.
func (h *harness) invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.argsFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// collect drains a subscription until want messages arrived or the
// timeout passed.
func collect(sub *notify.Subscription, want int, timeout time.Duration) []notify.LogMessage {
	var out []notify.LogMessage
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
	return out
}

type countingRecorder struct {
	mu      sync.Mutex
	starts  map[string]int
	exits   []int
	ready   map[string]int
	updates map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		starts:  make(map[string]int),
		ready:   make(map[string]int),
		updates: make(map[string]int),
	}
}

func (r *countingRecorder) RecordProxyStart(_ context.Context, _ string, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts[status]++
}

func (r *countingRecorder) RecordProxyExit(_ context.Context, _ string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, code)
}

func (r *countingRecorder) RecordProxyReady(_ context.Context, _ string, _ time.Duration, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready[status]++
}

func (r *countingRecorder) RecordKubeconfigUpdate(_ context.Context, _ string, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[status]++
}

func (r *countingRecorder) snapshot() (starts, ready, updates map[string]int, exits []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copyMap := func(m map[string]int) map[string]int {
		out := make(map[string]int, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return copyMap(r.starts), copyMap(r.ready), copyMap(r.updates), append([]int(nil), r.exits...)
}
