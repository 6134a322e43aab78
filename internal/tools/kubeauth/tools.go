package kubeauth

import (
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/kube-auth-proxy/internal/server"
	"github.com/giantswarm/kube-auth-proxy/internal/tools"
)

// Tool names.
const (
	ToolClusters       = "kube_auth_clusters"
	ToolProxyLogs      = "kube_auth_proxy_logs"
	ToolMetricsService = "kube_auth_metrics_service"
)

// DefaultLogLimit is the number of log lines returned when no limit is given.
const DefaultLogLimit = 50

// RegisterTools registers the proxy state tools with the MCP server.
func RegisterTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	clustersTool := mcp.NewTool(ToolClusters,
		mcp.WithDescription("List the active clusters with their local API URL and proxy state"),
		tools.ClusterParam(false),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(clustersTool, tools.WrapWithAuditLogging(ToolClusters, handleListClusters, sc))

	logsTool := mcp.NewTool(ToolProxyLogs,
		mcp.WithDescription("Show the most recent output of a cluster's authentication proxy"),
		tools.ClusterParam(true),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of lines to return (optional, default: 50)"),
		),
		mcp.WithString("stream",
			mcp.Description("Only return lines from this stream (optional)"),
			mcp.Enum("stdout", "stderr"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(logsTool, tools.WrapWithAuditLogging(ToolProxyLogs, handleProxyLogs, sc))

	metricsTool := mcp.NewTool(ToolMetricsService,
		mcp.WithDescription("Discover the Prometheus service of a cluster and the API path to query it through the proxy"),
		tools.ClusterParam(true),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.AddTool(metricsTool, tools.WrapWithAuditLogging(ToolMetricsService, handleMetricsService, sc))

	return nil
}
