// Package cmd provides the command-line interface for kube-auth-proxy.
//
// This package implements a Cobra-based CLI with multiple subcommands:
//   - serve: Starts the local cluster router (default when no subcommand is given)
//   - kubeconfig: Prints the scoped kubeconfig of a stored cluster
//   - status: Shows the clusters of a running server
//   - version: Displays the application version
//   - self-update: Updates the binary to the latest version from GitHub releases
//
// Command Structure:
//
//	kube-auth-proxy [flags]                  # Starts the router (default)
//	kube-auth-proxy serve [flags]            # Explicitly starts the router
//	kube-auth-proxy kubeconfig <cluster-id>  # Prints a scoped kubeconfig
//	kube-auth-proxy status                   # Lists clusters of a running server
//	kube-auth-proxy version                  # Shows version information
//	kube-auth-proxy self-update              # Updates to latest release
//
// Every serve flag has an environment variable fallback which applies only
// when the flag is not given:
//
//	KUBE_AUTH_PROXY_CONFIG=~/.config/kube-auth-proxy/clusters.yaml
//	KUBE_AUTH_PROXY_PORT=9191
//	KUBE_AUTH_PROXY_KUBECTL=/usr/local/bin/kubectl
//	KUBE_AUTH_PROXY_READY_TIMEOUT=30s
//	ALLOWED_ORIGINS=http://localhost:3000
//	DEBUG_PROXY=true
package cmd
