package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation = "operation"
	KeyCluster   = "cluster"
	KeyContext   = "context"
	KeyStream    = "stream"
	KeyProvider  = "provider"
	KeySocket    = "socket"
	KeyPID       = "pid"
	KeyExitCode  = "exit_code"
	KeyDuration  = "duration"
	KeyStatus    = "status"
	KeyError     = "error"
	KeyHost      = "host"
)

// Status values for consistent logging.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ipv4Regex matches IPv4 addresses for sanitization.
var ipv4Regex = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)

// ipv6Regex matches IPv6 addresses for sanitization, including the
// bracketed form used in URLs.
var ipv6Regex = regexp.MustCompile(`\[?([0-9a-fA-F]{0,4}:){2,7}[0-9a-fA-F]{0,4}\]?`)

// NewLogger builds the process logger. Debug enables debug level output.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithCluster returns a logger with the cluster attribute set.
func WithCluster(logger *slog.Logger, clusterID string) *slog.Logger {
	return logger.With(slog.String(KeyCluster, clusterID))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Cluster returns a slog attribute for the cluster id.
func Cluster(id string) slog.Attr {
	return slog.String(KeyCluster, id)
}

// Context returns a slog attribute for a kubeconfig context name.
func Context(name string) slog.Attr {
	return slog.String(KeyContext, name)
}

// Stream returns a slog attribute for a child process output stream.
func Stream(name string) slog.Attr {
	return slog.String(KeyStream, name)
}

// Provider returns a slog attribute for a metrics provider id.
func Provider(id string) slog.Attr {
	return slog.String(KeyProvider, id)
}

// Socket returns a slog attribute for a unix socket path.
func Socket(path string) slog.Attr {
	return slog.String(KeySocket, path)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Err returns a slog attribute for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// SanitizedErr returns a slog attribute for an error with IP addresses redacted.
// Proxy errors frequently embed the upstream API server address.
func SanitizedErr(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, SanitizeHost(err.Error()))
}

// Host returns a slog attribute for a host with IP addresses sanitized.
func Host(host string) slog.Attr {
	return slog.String(KeyHost, SanitizeHost(host))
}

// SanitizeHost returns a sanitized version of the host for logging purposes.
// IPv4 and IPv6 addresses are redacted; hostnames and ports are kept.
//
// Examples:
//   - "https://192.168.1.100:6443" -> "https://<redacted-ip>:6443"
//   - "https://api.cluster.example.com:6443" -> "https://api.cluster.example.com:6443"
//   - "192.168.1.100" -> "<redacted-ip>"
//   - "" -> "<empty>"
func SanitizeHost(host string) string {
	if host == "" {
		return "<empty>"
	}

	redactIPs := func(s string) string {
		result := ipv4Regex.ReplaceAllString(s, "<redacted-ip>")
		result = ipv6Regex.ReplaceAllString(result, "<redacted-ip>")
		return result
	}

	if !strings.Contains(host, "://") {
		return redactIPs(host)
	}

	parsed, err := url.Parse(host)
	if err != nil {
		return redactIPs(host)
	}

	if ipv4Regex.MatchString(parsed.Host) || ipv6Regex.MatchString(parsed.Host) {
		parsed.Host = redactIPs(parsed.Host)
		return parsed.String()
	}

	return host
}

// SanitizeToken returns a masked version of a token for logging.
// Only the length is kept; even a prefix can aid an attacker.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}
