// Package tools provides shared utilities and types for MCP tool implementations.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/logging"
	"github.com/giantswarm/kube-auth-proxy/internal/server"
)

// ToolHandler is the signature for MCP tool handler functions that take ServerContext.
type ToolHandler func(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error)

// WrapWithAuditLogging wraps a tool handler with a span and one log record
// per invocation carrying the tool name, target cluster, duration and
// outcome.
func WrapWithAuditLogging(
	toolName string,
	handler ToolHandler,
	sc *server.ServerContext,
) func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clusterID := ExtractClusterParam(request.GetArguments())

		builder := instrumentation.NewSpanAttributeBuilder()
		if clusterID != "" {
			builder.WithCluster(clusterID)
		}
		ctx, span := instrumentation.StartToolSpan(ctx, toolName, builder.Build()...)
		defer span.End()

		started := time.Now()
		result, err := handler(ctx, request, sc)

		attrs := []any{
			slog.String("tool", toolName),
			slog.Duration("duration", time.Since(started)),
		}
		if clusterID != "" {
			attrs = append(attrs, logging.Cluster(clusterID))
		}

		// MCP tool errors are returned in the result, not as Go errors.
		switch {
		case err != nil:
			instrumentation.SetSpanError(span, err)
			sc.Logger().Error("tool invocation failed", append(attrs, logging.Err(err))...)
		case result != nil && result.IsError:
			msg := resultText(result)
			sc.Logger().Info("tool invocation", append(attrs, logging.Status(instrumentation.StatusError), slog.String("message", msg))...)
		default:
			instrumentation.SetSpanSuccess(span)
			sc.Logger().Info("tool invocation", append(attrs, logging.Status(instrumentation.StatusSuccess))...)
		}
		return result, err
	}
}

func resultText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if text, ok := result.Content[0].(mcp.TextContent); ok {
		return text.Text
	}
	return ""
}
