package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the default tracer name for the kube-auth-proxy package.
const TracerName = "github.com/giantswarm/kube-auth-proxy"

// Span attribute keys.
const (
	// SpanAttrCluster is the cluster id attribute.
	SpanAttrCluster = "kube_auth.cluster"

	// SpanAttrOperation is the operation attribute (ensure, route, discover).
	SpanAttrOperation = "kube_auth.operation"

	// SpanAttrProvider is the metrics provider id attribute.
	SpanAttrProvider = "kube_auth.provider"

	// SpanAttrLongLived indicates a long-lived (watch) request.
	SpanAttrLongLived = "kube_auth.long_lived"

	// SpanAttrGeneration is the proxy process generation attribute.
	SpanAttrGeneration = "kube_auth.generation"

	// SpanAttrCacheHit indicates whether a cached value was used.
	SpanAttrCacheHit = "kube_auth.cache_hit"

	// SpanAttrTool is the MCP tool name.
	SpanAttrTool = "mcp.tool"
)

// SpanAttributeBuilder helps construct OpenTelemetry span attributes
// with consistent naming.
type SpanAttributeBuilder struct {
	attrs []attribute.KeyValue
}

// NewSpanAttributeBuilder creates a new SpanAttributeBuilder.
func NewSpanAttributeBuilder() *SpanAttributeBuilder {
	return &SpanAttributeBuilder{
		attrs: make([]attribute.KeyValue, 0, 6),
	}
}

// WithCluster adds the cluster id attribute.
func (b *SpanAttributeBuilder) WithCluster(clusterID string) *SpanAttributeBuilder {
	b.attrs = append(b.attrs, attribute.String(SpanAttrCluster, clusterID))
	return b
}

// WithOperation adds the operation attribute.
func (b *SpanAttributeBuilder) WithOperation(operation string) *SpanAttributeBuilder {
	b.attrs = append(b.attrs, attribute.String(SpanAttrOperation, operation))
	return b
}

// WithProvider adds the metrics provider attribute when set.
func (b *SpanAttributeBuilder) WithProvider(provider string) *SpanAttributeBuilder {
	if provider != "" {
		b.attrs = append(b.attrs, attribute.String(SpanAttrProvider, provider))
	}
	return b
}

// WithLongLived adds the long-lived request indicator.
func (b *SpanAttributeBuilder) WithLongLived(longLived bool) *SpanAttributeBuilder {
	b.attrs = append(b.attrs, attribute.Bool(SpanAttrLongLived, longLived))
	return b
}

// WithGeneration adds the proxy process generation.
func (b *SpanAttributeBuilder) WithGeneration(generation uint64) *SpanAttributeBuilder {
	b.attrs = append(b.attrs, attribute.Int64(SpanAttrGeneration, int64(generation)))
	return b
}

// WithCacheHit adds the cache hit indicator attribute.
func (b *SpanAttributeBuilder) WithCacheHit(hit bool) *SpanAttributeBuilder {
	b.attrs = append(b.attrs, attribute.Bool(SpanAttrCacheHit, hit))
	return b
}

// Build returns the constructed attributes.
func (b *SpanAttributeBuilder) Build() []attribute.KeyValue {
	return b.attrs
}

// StartSpan starts a new span with the given name and attributes.
// The caller is responsible for ending the span with defer span.End().
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartClusterSpan starts a span for an operation on one cluster.
func StartClusterSpan(ctx context.Context, operation, clusterID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	allAttrs = append(allAttrs,
		attribute.String(SpanAttrOperation, operation),
		attribute.String(SpanAttrCluster, clusterID),
	)
	allAttrs = append(allAttrs, attrs...)

	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "cluster."+operation, trace.WithAttributes(allAttrs...))
}

// StartToolSpan starts a span for an MCP tool invocation.
func StartToolSpan(ctx context.Context, toolName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attribute.String(SpanAttrTool, toolName))
	allAttrs = append(allAttrs, attrs...)

	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "tool."+toolName,
		trace.WithAttributes(allAttrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from the current span in context.
// Returns empty string if no valid span is present.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
