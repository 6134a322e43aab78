package kubeauth

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
	"github.com/giantswarm/kube-auth-proxy/internal/notify"
	"github.com/giantswarm/kube-auth-proxy/internal/server"
	"github.com/giantswarm/kube-auth-proxy/internal/tools"
)

// MetricsService is the result of the metrics service tool.
type MetricsService struct {
	Cluster  string `json:"cluster"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
	URL      string `json:"url"`
}

func handleListClusters(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	clusterID := tools.ExtractClusterParam(request.GetArguments())

	statuses := sc.Manager().Statuses()
	if clusterID == "" {
		return tools.JSONResult(statuses), nil
	}
	for _, status := range statuses {
		if status.ID == clusterID {
			return tools.JSONResult(status), nil
		}
	}
	return mcp.NewToolResultError(tools.FormatClusterError(clusters.ErrClusterNotFound, clusterID)), nil
}

func handleProxyLogs(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	clusterID := tools.ExtractClusterParam(args)
	if _, errMsg := tools.GetHandler(sc, clusterID); errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}

	limit := DefaultLogLimit
	if limitFloat, ok := args["limit"].(float64); ok && limitFloat > 0 {
		limit = int(limitFloat)
	}
	stream, _ := args["stream"].(string)

	var lines []notify.LogMessage
	for _, msg := range sc.Bus().History(notify.ChannelName(clusterID)) {
		if stream != "" && string(msg.Stream) != stream {
			continue
		}
		lines = append(lines, msg)
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	if lines == nil {
		lines = []notify.LogMessage{}
	}
	return tools.JSONResult(lines), nil
}

func handleMetricsService(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	clusterID := tools.ExtractClusterParam(request.GetArguments())
	h, errMsg := tools.GetHandler(sc, clusterID)
	if errMsg != "" {
		return mcp.NewToolResultError(errMsg), nil
	}

	provider, err := h.MetricsProvider(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to discover metrics provider: %s", tools.FormatClusterError(err, clusterID))), nil
	}
	path, err := h.MetricsPath(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to discover metrics service: %s", tools.FormatClusterError(err, clusterID))), nil
	}

	return tools.JSONResult(MetricsService{
		Cluster:  clusterID,
		Provider: provider.ID(),
		Path:     path,
		URL:      fmt.Sprintf("%sapi/v1/namespaces/%s/proxy", h.APIBaseURL(), path),
	}), nil
}
