package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/contexthandler"
	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/logging"
	"github.com/giantswarm/kube-auth-proxy/internal/notify"
	"github.com/giantswarm/kube-auth-proxy/internal/server"
	"github.com/giantswarm/kube-auth-proxy/internal/tools/kubeauth"
)

// newServeCmd creates the Cobra command for starting the router.
func newServeCmd() *cobra.Command {
	config := defaultServeConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local cluster router",
		Long: `Start the loopback router for all stored clusters.

Requests are routed by host (http://<cluster-id>.localhost:<port>/...) or by
path prefix (http://127.0.0.1:<port>/<cluster-id>/...). The kubectl proxy of
a cluster is started on its first request and restarted when it exits.

Management endpoints:
  - /healthz, /readyz: health checks
  - /kube-auth/status: JSON list of clusters
  - /kube-auth/<cluster-id>/logs: proxy output as server-sent events
  - /mcp: MCP tools over streamable HTTP (with --enable-mcp)

Metrics are served on a separate listener (--metrics-addr) when
INSTRUMENTATION_ENABLED=true.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadServeEnvVars(cmd, &config); err != nil {
				return err
			}
			if err := config.Validate(); err != nil {
				return err
			}
			return runServe(config)
		},
	}

	cmd.Flags().StringVar(&config.ConfigPath, "config", config.ConfigPath, "Cluster store file (can also be set via "+envConfig+" env var)")
	cmd.Flags().IntVar(&config.Port, "port", config.Port, "Loopback router port (can also be set via "+envPort+" env var)")
	cmd.Flags().StringVar(&config.Kubectl, "kubectl", config.Kubectl, "kubectl executable name or path (can also be set via "+envKubectl+" env var)")
	cmd.Flags().StringVar(&config.SocketDir, "socket-dir", config.SocketDir, "Directory for proxy unix sockets")
	cmd.Flags().StringVar(&config.KubeconfigDir, "kubeconfig-dir", config.KubeconfigDir, "Directory for materialized cluster kubeconfigs")
	cmd.Flags().DurationVar(&config.ReadyTimeout, "ready-timeout", config.ReadyTimeout, "How long to wait for a proxy socket (can also be set via "+envReadyTimeout+" env var)")
	cmd.Flags().BoolVar(&config.DebugMode, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&config.EnableMCP, "enable-mcp", false, "Serve MCP tools on the router")
	cmd.Flags().StringVar(&config.MCPEndpoint, "mcp-endpoint", config.MCPEndpoint, "MCP endpoint path")
	cmd.Flags().StringVar(&config.Metrics.Addr, "metrics-addr", config.Metrics.Addr, "Metrics server address")
	cmd.Flags().BoolVar(&config.Metrics.Enabled, "enable-metrics-server", config.Metrics.Enabled, "Serve Prometheus metrics on --metrics-addr")

	return cmd
}

// runServe wires the cluster store, proxies, router and optional MCP tools
// and serves until SIGINT or SIGTERM.
func runServe(config ServeConfig) error {
	logger := logging.NewLogger(os.Stderr, config.DebugMode)
	slog.SetDefault(logger)

	// Setup graceful shutdown - listen for both SIGINT and SIGTERM
	shutdownCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	instrumentationConfig := instrumentation.DefaultConfig()
	instrumentationConfig.ServiceVersion = rootCmd.Version
	provider, err := instrumentation.NewProvider(shutdownCtx, instrumentationConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("error during instrumentation shutdown", logging.Err(err))
		}
	}()
	if provider.Enabled() {
		logger.Info("OpenTelemetry instrumentation enabled",
			"metrics", instrumentationConfig.MetricsExporter,
			"tracing", instrumentationConfig.TracingExporter)
	}

	store, err := cluster.Open(config.ConfigPath,
		cluster.WithPort(config.Port),
		cluster.WithSocketDir(config.SocketDir),
		cluster.WithKubeconfigDir(config.KubeconfigDir),
	)
	if err != nil {
		return err
	}

	bus := notify.NewBus()
	manager := clusters.NewManager(store,
		clusters.WithLogger(logger),
		clusters.WithHandlerOptions(
			contexthandler.WithLogger(logger),
			contexthandler.WithRecorder(provider.Metrics()),
			contexthandler.WithProxyOptions(
				authproxy.WithNotifier(bus),
				authproxy.WithBinaryLocator(authproxy.LookPath(config.Kubectl)),
				authproxy.WithReadyTimeout(config.ReadyTimeout),
				authproxy.WithVerbose(config.VerboseProxy),
			),
		),
	)
	// A cluster with broken credentials must not keep the others from serving.
	if err := manager.ActivateAll(); err != nil {
		logger.Warn("some clusters could not be activated", logging.Err(err))
	}

	serverConfig := server.NewDefaultConfig()
	serverConfig.Port = config.Port
	serverConfig.MCPEndpoint = config.MCPEndpoint

	sc, err := server.NewServerContext(shutdownCtx,
		server.WithManager(manager),
		server.WithBus(bus),
		server.WithLogger(logger),
		server.WithConfig(serverConfig),
		server.WithVersion(rootCmd.Version),
		server.WithAllowedOrigins(config.AllowedOrigins),
		server.WithInstrumentationProvider(provider),
	)
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := sc.Shutdown(ctx); err != nil {
			logger.Error("error during server context shutdown", logging.Err(err))
		}
	}()

	var httpOpts []server.HTTPServerOption
	if config.EnableMCP {
		mcpHandler, err := newMCPHandler(sc, config.MCPEndpoint)
		if err != nil {
			return err
		}
		httpOpts = append(httpOpts, server.WithMCPHandler(mcpHandler))
	}

	return runHTTPServer(shutdownCtx, server.NewHTTPServer(sc, httpOpts...), config.Metrics, provider)
}

// newMCPHandler builds the streamable HTTP handler serving the proxy tools.
func newMCPHandler(sc *server.ServerContext, endpoint string) (*mcpserver.StreamableHTTPServer, error) {
	mcpSrv := mcpserver.NewMCPServer("kube-auth-proxy", rootCmd.Version,
		mcpserver.WithToolCapabilities(true),
	)
	if err := kubeauth.RegisterTools(mcpSrv, sc); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithEndpointPath(endpoint),
	), nil
}
