package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/contexthandler"
	"github.com/giantswarm/kube-auth-proxy/internal/prometheus"
	"github.com/giantswarm/kube-auth-proxy/internal/server"
)

// ClusterParam is the tool option for the cluster id argument.
func ClusterParam(required bool) mcp.ToolOption {
	opts := []mcp.PropertyOption{
		mcp.Description("Cluster id as listed by kube_auth_clusters"),
	}
	if required {
		opts = append(opts, mcp.Required())
	}
	return mcp.WithString("cluster", opts...)
}

// ExtractClusterParam extracts the cluster parameter from request arguments.
// Returns an empty string if not provided.
func ExtractClusterParam(args map[string]any) string {
	if cluster, ok := args["cluster"].(string); ok {
		return cluster
	}
	return ""
}

// GetHandler returns the handler of an active cluster, or an error message
// suitable for an MCP tool response.
func GetHandler(sc *server.ServerContext, clusterID string) (*contexthandler.Handler, string) {
	if clusterID == "" {
		return nil, "cluster is required"
	}
	h, ok := sc.Manager().Handler(clusterID)
	if !ok {
		return nil, FormatClusterError(clusters.ErrClusterNotFound, clusterID)
	}
	return h, ""
}

// FormatClusterError turns a cluster error into a message for MCP tool
// responses.
func FormatClusterError(err error, clusterID string) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, clusters.ErrClusterNotFound):
		return fmt.Sprintf("cluster '%s' not found - use 'kube_auth_clusters' to see available clusters", clusterID)
	case errors.Is(err, prometheus.ErrProviderNotFound):
		return fmt.Sprintf("cluster '%s' is pinned to an unknown prometheus provider", clusterID)
	}
	return authproxy.UserFacingError(err)
}

// JSONResult marshals v into an indented text result.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
