package authproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/kubeconfig"
	"github.com/giantswarm/kube-auth-proxy/internal/logging"
	"github.com/giantswarm/kube-auth-proxy/internal/notify"
)

const (
	// DefaultReadyTimeout bounds the wait for the proxy socket.
	DefaultReadyTimeout = 30 * time.Second

	// DefaultTerminateGrace is how long Shutdown waits after SIGTERM
	// before killing the proxy.
	DefaultTerminateGrace = 5 * time.Second

	// DebugEnv enables verbose proxy output when set to "true".
	DebugEnv = "DEBUG_PROXY"

	startedBanner  = "Starting to serve on"
	startedMessage = "Authentication proxy started\n"

	readBufferSize = 32 * 1024
)

// Cluster is the durable record a supervisor serves.
type Cluster interface {
	ID() string
	ContextName() string
	APIURL() (string, error)
	KubeconfigPath() string
	ProxySocketPath() string
	UpdateKubeconfig(content string) error
}

// Notifier receives proxy output. Delivery is best effort; returned errors
// are ignored.
type Notifier interface {
	Notify(ctx context.Context, channel string, msg notify.LogMessage) error
}

// Recorder receives proxy lifecycle measurements.
type Recorder interface {
	RecordProxyStart(ctx context.Context, clusterID, status string)
	RecordProxyExit(ctx context.Context, clusterID string, exitCode int)
	RecordProxyReady(ctx context.Context, clusterID string, duration time.Duration, status string)
	RecordKubeconfigUpdate(ctx context.Context, clusterID, status string)
}

// BinaryLocator resolves the path of the proxying executable.
type BinaryLocator func(ctx context.Context) (string, error)

// LookPath returns a BinaryLocator searching PATH for name. Names containing
// a path separator are used as is.
func LookPath(name string) BinaryLocator {
	return func(context.Context) (string, error) {
		path, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, name, err)
		}
		return path, nil
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithEnv sets the complete environment of the proxy process.
func WithEnv(env []string) Option {
	return func(s *Supervisor) {
		s.env = env
	}
}

// WithBinaryLocator sets how the proxying executable is found.
func WithBinaryLocator(locate BinaryLocator) Option {
	return func(s *Supervisor) {
		s.locate = locate
	}
}

// WithNotifier sets where proxy output is published.
func WithNotifier(n Notifier) Option {
	return func(s *Supervisor) {
		s.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Supervisor) {
		s.recorder = r
	}
}

// WithReadyTimeout bounds how long Run waits for the proxy socket.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.readyTimeout = d
	}
}

// WithVerbose adds "-v 9" to the proxy arguments.
func WithVerbose(verbose bool) Option {
	return func(s *Supervisor) {
		s.verbose = verbose
	}
}

// process is one spawned proxy child.
type process struct {
	cmd        *exec.Cmd
	done       chan struct{}
	watcher    io.Closer
	generation uint64
}

// Supervisor owns at most one authenticating proxy process for a cluster.
// The process binds the cluster's unix socket and authenticates traffic
// with the cluster's materialized kubeconfig, which the supervisor watches
// and writes back to the cluster record when it changes.
type Supervisor struct {
	cluster      Cluster
	env          []string
	locate       BinaryLocator
	notifier     Notifier
	recorder     Recorder
	logger       *slog.Logger
	readyTimeout time.Duration
	verbose      bool

	mu         sync.Mutex
	proc       *process
	lastError  string
	generation uint64
}

// New returns a supervisor for cluster with no running process.
func New(cluster Cluster, opts ...Option) *Supervisor {
	s := &Supervisor{
		cluster:      cluster,
		locate:       LookPath("kubectl"),
		recorder:     noopRecorder{},
		logger:       slog.Default(),
		readyTimeout: DefaultReadyTimeout,
		verbose:      os.Getenv(DebugEnv) == "true",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.readyTimeout <= 0 {
		s.readyTimeout = DefaultReadyTimeout
	}
	s.logger = logging.WithCluster(s.logger, cluster.ID())
	return s
}

// Run starts the proxy process unless one is alive, then waits until its
// socket exists. Concurrent calls share one process. A process that exited
// is replaced by a new one.
func (s *Supervisor) Run(ctx context.Context) error {
	clusterID := s.cluster.ID()
	ctx, span := instrumentation.StartClusterSpan(ctx, "proxy_run", clusterID)
	defer span.End()

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		var err error
		proc, err = s.startIfIdle(ctx)
		if err != nil {
			s.recorder.RecordProxyStart(ctx, clusterID, logging.StatusError)
			instrumentation.SetSpanError(span, err)
			return err
		}
	}

	started := time.Now()
	err := s.waitReady(ctx, proc)
	status := logging.StatusSuccess
	if err != nil {
		status = logging.StatusError
		instrumentation.SetSpanError(span, err)
	}
	s.recorder.RecordProxyReady(ctx, clusterID, time.Since(started), status)
	return err
}

// startIfIdle resolves the binary without holding s.mu, then spawns a
// process unless a concurrent caller already did.
func (s *Supervisor) startIfIdle(ctx context.Context) (*process, error) {
	binary, err := s.locate(ctx)
	if err != nil {
		return nil, &SpawnError{ClusterID: s.cluster.ID(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return s.proc, nil
	}
	proc, err := s.start(binary)
	if err != nil {
		return nil, err
	}
	s.recorder.RecordProxyStart(ctx, s.cluster.ID(), logging.StatusSuccess)
	return proc, nil
}

// start spawns the proxy process. The caller holds s.mu.
func (s *Supervisor) start(binary string) (*process, error) {
	clusterID := s.cluster.ID()
	spawnErr := func(err error) error {
		return &SpawnError{ClusterID: clusterID, Binary: binary, Err: err}
	}

	apiURL, err := s.cluster.APIURL()
	if err != nil {
		return nil, spawnErr(err)
	}
	host, err := kubeconfig.Hostname(apiURL)
	if err != nil {
		return nil, spawnErr(err)
	}

	socket := s.cluster.ProxySocketPath()
	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		return nil, spawnErr(fmt.Errorf("failed to create socket directory: %w", err))
	}
	if err := os.Remove(socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, spawnErr(fmt.Errorf("failed to remove stale socket: %w", err))
	}

	watcher, err := s.watchKubeconfig()
	if err != nil {
		return nil, spawnErr(err)
	}

	cmd := exec.Command(binary, s.buildArgs(host)...)
	cmd.Env = s.env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		watcher.Close()
		return nil, spawnErr(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		watcher.Close()
		return nil, spawnErr(err)
	}

	if err := cmd.Start(); err != nil {
		watcher.Close()
		return nil, spawnErr(err)
	}

	s.generation++
	proc := &process{
		cmd:        cmd,
		done:       make(chan struct{}),
		watcher:    watcher,
		generation: s.generation,
	}
	s.proc = proc

	s.logger.Info("started authentication proxy",
		slog.Int(logging.KeyPID, cmd.Process.Pid),
		logging.Socket(socket),
		logging.Host(host))

	go s.supervise(proc, stdout, stderr)
	return proc, nil
}

func (s *Supervisor) buildArgs(host string) []string {
	args := []string{
		"proxy",
		"--kubeconfig", s.cluster.KubeconfigPath(),
		"--accept-hosts", host,
		"-u", s.cluster.ProxySocketPath(),
	}
	if s.verbose {
		args = append(args, "-v", "9")
	}
	return args
}

// supervise forwards the process output and cleans up after it exits.
func (s *Supervisor) supervise(proc *process, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readStdout(stdout)
	}()
	go func() {
		defer wg.Done()
		s.readStderr(stderr)
	}()
	wg.Wait()

	// Wait closes the pipes, so it must follow the readers.
	_ = proc.cmd.Wait()
	code := proc.cmd.ProcessState.ExitCode()

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
	}
	s.mu.Unlock()

	if err := proc.watcher.Close(); err != nil {
		s.logger.Debug("failed to close kubeconfig watch", logging.Err(err))
	}

	ctx := context.Background()
	s.logger.Error(fmt.Sprintf("proxy %s exited with code %d", s.cluster.ContextName(), code),
		slog.Int(logging.KeyExitCode, code))
	s.publish(ctx, notify.StreamStderr, fmt.Sprintf("proxy exited with code %d", code))
	s.recorder.RecordProxyExit(ctx, s.cluster.ID(), code)

	close(proc.done)
}

// readChunks passes every read from r to handle until r is exhausted.
// Output is forwarded as the process wrote it, without splitting lines.
func (s *Supervisor) readChunks(r io.Reader, stream notify.Stream, handle func(string)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			handle(string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
				s.logger.Debug("failed to read proxy output", logging.Stream(string(stream)), logging.Err(err))
			}
			return
		}
	}
}

func (s *Supervisor) readStdout(r io.Reader) {
	s.readChunks(r, notify.StreamStdout, func(data string) {
		if strings.HasPrefix(data, startedBanner) {
			data = startedMessage
		}
		s.logger.Debug("proxy stdout", logging.Stream(string(notify.StreamStdout)), slog.String("data", strings.TrimSpace(data)))
		s.publish(context.Background(), notify.StreamStdout, data)
	})
}

func (s *Supervisor) readStderr(r io.Reader) {
	s.readChunks(r, notify.StreamStderr, func(data string) {
		s.mu.Lock()
		s.lastError = ParseError(data)
		s.mu.Unlock()

		s.logger.Debug("proxy stderr", logging.Stream(string(notify.StreamStderr)), slog.String("data", strings.TrimSpace(data)))
		s.publish(context.Background(), notify.StreamStderr, data)
	})
}

func (s *Supervisor) publish(ctx context.Context, stream notify.Stream, data string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Notify(ctx, notify.ChannelName(s.cluster.ID()), notify.LogMessage{Data: data, Stream: stream})
}

// Exit asks a live proxy process to terminate and returns without waiting.
func (s *Supervisor) Exit() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return
	}
	s.logger.Debug(fmt.Sprintf("stopping local proxy: %s", s.cluster.ContextName()))
	terminate(proc)
}

// Shutdown terminates a live proxy process and waits for it to exit. The
// process is killed when it has not exited after grace or when ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	terminate(proc)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = proc.cmd.Process.Kill()
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func terminate(proc *process) {
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = proc.cmd.Process.Kill()
	}
}

// Alive reports whether a proxy process is running.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// PID returns the process id of the running proxy, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Done returns a channel closed when the current process exits. Without a
// running process the returned channel is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.proc.done
}

// Generation counts spawned processes. It changes whenever a new process
// replaces an exited one.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// LastError returns the most recently classified diagnostic line.
func (s *Supervisor) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// MergeEnv returns base with overrides applied. Keys present in overrides
// replace the corresponding entries of base, which is not modified.
func MergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range slices.Sorted(maps.Keys(overrides)) {
		env = append(env, key+"="+overrides[key])
	}
	return env
}

type noopRecorder struct{}

func (noopRecorder) RecordProxyStart(context.Context, string, string)                {}
func (noopRecorder) RecordProxyExit(context.Context, string, int)                    {}
func (noopRecorder) RecordProxyReady(context.Context, string, time.Duration, string) {}
func (noopRecorder) RecordKubeconfigUpdate(context.Context, string, string)          {}
