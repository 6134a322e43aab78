package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/server"
	"github.com/giantswarm/kube-auth-proxy/internal/server/middleware"
)

// envValueTrue is the string value used to enable boolean environment variables.
const envValueTrue = "true"

// Environment variables read by the serve command.
const (
	envConfig         = "KUBE_AUTH_PROXY_CONFIG"
	envPort           = "KUBE_AUTH_PROXY_PORT"
	envKubectl        = "KUBE_AUTH_PROXY_KUBECTL"
	envReadyTimeout   = "KUBE_AUTH_PROXY_READY_TIMEOUT"
	envAllowedOrigins = "ALLOWED_ORIGINS"
	envDebugProxy     = "DEBUG_PROXY"
)

// ServeConfig holds all configuration for the serve command.
type ServeConfig struct {
	// ConfigPath is the clusters store file.
	ConfigPath string

	// Port is the loopback router port.
	Port int

	// Kubectl is the proxying executable, a name looked up in PATH or a path.
	Kubectl string

	SocketDir     string
	KubeconfigDir string

	// ReadyTimeout bounds the wait for a proxy socket.
	ReadyTimeout time.Duration

	// VerboseProxy runs the proxies with "-v 9".
	VerboseProxy bool

	DebugMode bool

	EnableMCP   bool
	MCPEndpoint string

	AllowedOrigins []string

	Metrics MetricsServeConfig
}

// MetricsServeConfig configures the dedicated metrics server.
type MetricsServeConfig struct {
	Enabled bool
	Addr    string
}

// defaultServeConfig returns the configuration used when no flag or
// environment variable is set.
func defaultServeConfig() ServeConfig {
	return ServeConfig{
		ConfigPath:    defaultConfigPath(),
		Port:          cluster.DefaultPort,
		Kubectl:       "kubectl",
		SocketDir:     filepath.Join(os.TempDir(), "kube-auth-proxy", "sockets"),
		KubeconfigDir: filepath.Join(os.TempDir(), "kube-auth-proxy", "kubeconfigs"),
		ReadyTimeout:  authproxy.DefaultReadyTimeout,
		MCPEndpoint:   "/mcp",
		Metrics: MetricsServeConfig{
			Enabled: true,
			Addr:    server.DefaultMetricsAddr,
		},
	}
}

// defaultConfigPath returns clusters.yaml in the user config directory.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "kube-auth-proxy", "clusters.yaml")
}

// loadServeEnvVars fills config from environment variables for every flag
// not explicitly set on the command line.
func loadServeEnvVars(cmd *cobra.Command, config *ServeConfig) error {
	if !cmd.Flags().Changed("config") {
		loadEnvIfSet(&config.ConfigPath, envConfig)
	}
	if !cmd.Flags().Changed("kubectl") {
		loadEnvIfSet(&config.Kubectl, envKubectl)
	}
	if !cmd.Flags().Changed("port") {
		if port, ok := parseIntEnv(os.Getenv(envPort), envPort); ok {
			config.Port = port
		}
	}
	if !cmd.Flags().Changed("ready-timeout") {
		if d, ok := parseDurationEnv(os.Getenv(envReadyTimeout), envReadyTimeout); ok {
			config.ReadyTimeout = d
		}
	}
	if os.Getenv(envDebugProxy) == envValueTrue {
		config.VerboseProxy = true
	}

	origins, err := middleware.ValidateAllowedOrigins(os.Getenv(envAllowedOrigins))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", envAllowedOrigins, err)
	}
	config.AllowedOrigins = origins
	return nil
}

// Validate checks the configuration before anything is started.
func (c ServeConfig) Validate() error {
	if c.ConfigPath == "" {
		return errors.New("cluster store path is required (--config or " + envConfig + ")")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Kubectl == "" {
		return errors.New("kubectl path must not be empty")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive, got %s", c.ReadyTimeout)
	}
	if c.EnableMCP && c.MCPEndpoint == "" {
		return errors.New("MCP endpoint must not be empty when MCP is enabled")
	}
	return nil
}

// loadEnvIfSet overwrites target with the environment variable when it is set.
func loadEnvIfSet(target *string, envKey string) {
	if v := os.Getenv(envKey); v != "" {
		*target = v
	}
}

// parseDurationEnv parses a duration from an environment variable value.
// Returns the parsed duration and true if successful, or zero and false if parsing fails.
// Logs a warning if the value is present but invalid.
func parseDurationEnv(value, envName string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in environment", "env", envName, "value", value, "error", err)
		return 0, false
	}
	return d, true
}

// parseIntEnv parses an integer from an environment variable value.
// Returns the parsed int and true if successful, or zero and false if parsing fails.
// Logs a warning if the value is present but invalid.
func parseIntEnv(value, envName string) (int, bool) {
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer in environment", "env", envName, "value", value, "error", err)
		return 0, false
	}
	return n, true
}
