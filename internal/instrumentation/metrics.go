package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrCluster  = "cluster"
	attrExitCode = "exit_code"
	attrKind     = "kind"
	attrProvider = "provider"
)

var durationBuckets = []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Metrics provides methods for recording observability metrics.
// A nil *Metrics records nothing.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Proxy process metrics
	proxyStartsTotal    metric.Int64Counter
	proxyExitsTotal     metric.Int64Counter
	proxyReadyDuration  metric.Float64Histogram
	proxyActive         metric.Int64UpDownCounter
	kubeconfigUpdates   metric.Int64Counter
	routedRequestsTotal metric.Int64Counter
	routedDuration      metric.Float64Histogram

	// Metrics provider discovery
	discoveryTotal    metric.Int64Counter
	discoveryDuration metric.Float64Histogram

	// detailedLabels adds the cluster id to proxy metrics
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether the cluster id label is included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.proxyStartsTotal, err = meter.Int64Counter(
		"kube_auth_proxy_starts_total",
		metric.WithDescription("Total number of authentication proxy spawn attempts"),
		metric.WithUnit("{start}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_proxy_starts_total counter: %w", err)
	}

	m.proxyExitsTotal, err = meter.Int64Counter(
		"kube_auth_proxy_exits_total",
		metric.WithDescription("Total number of authentication proxy exits"),
		metric.WithUnit("{exit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_proxy_exits_total counter: %w", err)
	}

	m.proxyReadyDuration, err = meter.Float64Histogram(
		"kube_auth_proxy_ready_duration_seconds",
		metric.WithDescription("Time until the authentication proxy socket became available"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_proxy_ready_duration_seconds histogram: %w", err)
	}

	m.proxyActive, err = meter.Int64UpDownCounter(
		"kube_auth_proxy_active",
		metric.WithDescription("Number of running authentication proxy processes"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_proxy_active gauge: %w", err)
	}

	m.kubeconfigUpdates, err = meter.Int64Counter(
		"kube_auth_kubeconfig_updates_total",
		metric.WithDescription("Total number of kubeconfig write-backs from the watched file"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_kubeconfig_updates_total counter: %w", err)
	}

	m.routedRequestsTotal, err = meter.Int64Counter(
		"kube_auth_routed_requests_total",
		metric.WithDescription("Total number of requests routed through an authentication proxy"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_routed_requests_total counter: %w", err)
	}

	m.routedDuration, err = meter.Float64Histogram(
		"kube_auth_routed_request_duration_seconds",
		metric.WithDescription("Duration of requests routed through an authentication proxy"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_routed_request_duration_seconds histogram: %w", err)
	}

	m.discoveryTotal, err = meter.Int64Counter(
		"kube_auth_prometheus_discovery_total",
		metric.WithDescription("Total number of metrics provider discoveries by winning provider"),
		metric.WithUnit("{discovery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_prometheus_discovery_total counter: %w", err)
	}

	m.discoveryDuration, err = meter.Float64Histogram(
		"kube_auth_prometheus_discovery_duration_seconds",
		metric.WithDescription("Metrics provider discovery duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kube_auth_prometheus_discovery_duration_seconds histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) clusterAttrs(clusterID string, attrs ...attribute.KeyValue) []attribute.KeyValue {
	if m.detailedLabels {
		attrs = append(attrs, attribute.String(attrCluster, clusterID))
	}
	return attrs
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordProxyStart records a spawn attempt. A successful spawn also counts
// the process as active until RecordProxyExit.
func (m *Metrics) RecordProxyStart(ctx context.Context, clusterID, status string) {
	if m == nil || m.proxyStartsTotal == nil {
		return
	}

	m.proxyStartsTotal.Add(ctx, 1, metric.WithAttributes(m.clusterAttrs(clusterID, attribute.String(attrStatus, status))...))
	if status == StatusSuccess {
		m.proxyActive.Add(ctx, 1, metric.WithAttributes(m.clusterAttrs(clusterID)...))
	}
}

// RecordProxyExit records a proxy process exit.
func (m *Metrics) RecordProxyExit(ctx context.Context, clusterID string, exitCode int) {
	if m == nil || m.proxyExitsTotal == nil {
		return
	}

	m.proxyExitsTotal.Add(ctx, 1, metric.WithAttributes(m.clusterAttrs(clusterID, attribute.String(attrExitCode, strconv.Itoa(exitCode)))...))
	m.proxyActive.Add(ctx, -1, metric.WithAttributes(m.clusterAttrs(clusterID)...))
}

// RecordProxyReady records how long the wait for the proxy socket took.
func (m *Metrics) RecordProxyReady(ctx context.Context, clusterID string, duration time.Duration, status string) {
	if m == nil || m.proxyReadyDuration == nil {
		return
	}

	m.proxyReadyDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(m.clusterAttrs(clusterID, attribute.String(attrStatus, status))...))
}

// RecordKubeconfigUpdate records a kubeconfig write-back.
func (m *Metrics) RecordKubeconfigUpdate(ctx context.Context, clusterID, status string) {
	if m == nil || m.kubeconfigUpdates == nil {
		return
	}

	m.kubeconfigUpdates.Add(ctx, 1, metric.WithAttributes(m.clusterAttrs(clusterID, attribute.String(attrStatus, status))...))
}

// RecordRoutedRequest records a request forwarded to a cluster.
func (m *Metrics) RecordRoutedRequest(ctx context.Context, clusterID string, longLived bool, statusCode int, duration time.Duration) {
	if m == nil || m.routedRequestsTotal == nil {
		return
	}

	kind := RequestKindShort
	if longLived {
		kind = RequestKindLong
	}
	attrs := metric.WithAttributes(m.clusterAttrs(clusterID,
		attribute.String(attrKind, kind),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)...)
	m.routedRequestsTotal.Add(ctx, 1, attrs)
	m.routedDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDiscovery records a metrics provider discovery and its winner.
func (m *Metrics) RecordDiscovery(ctx context.Context, clusterID, provider string, duration time.Duration) {
	if m == nil || m.discoveryTotal == nil {
		return
	}

	attrs := metric.WithAttributes(m.clusterAttrs(clusterID, attribute.String(attrProvider, provider))...)
	m.discoveryTotal.Add(ctx, 1, attrs)
	m.discoveryDuration.Record(ctx, duration.Seconds(), attrs)
}
