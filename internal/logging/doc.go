// Package logging provides structured logging utilities for kube-auth-proxy.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Usage Patterns
//
// Create a logger scoped to a cluster:
//
//	logger := logging.WithCluster(slog.Default(), cluster.ID())
//	logger.Info("proxy started",
//	    logging.Socket(cluster.ProxySocketPath()),
//	    logging.Host(cluster.APIURL()))
//
// # Security Considerations
//
//   - API server URLs have IP addresses redacted to prevent topology leakage
//   - Credentials and tokens are never logged directly, use SanitizeToken
package logging
