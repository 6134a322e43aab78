package instrumentation

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewProviderDisabled(t *testing.T) {
	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create instrumentation provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	if provider.Enabled() {
		t.Error("provider should be disabled")
	}
	if provider.Metrics() == nil {
		t.Fatal("Metrics should not be nil")
	}
	provider.Metrics().RecordProxyStart(ctx, "abc123", StatusSuccess)

	rec := httptest.NewRecorder()
	provider.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without prometheus exporter, got %d", rec.Code)
	}
}

func TestNewProviderInvalidConfig(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, MetricsExporter: "statsd"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestPrometheusExposition(t *testing.T) {
	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{
		ServiceName:     "test-metrics-integration",
		ServiceVersion:  "1.0.0",
		Enabled:         true,
		MetricsExporter: ExporterPrometheus,
		TracingExporter: ExporterNone,
	})
	if err != nil {
		t.Fatalf("Failed to create instrumentation provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	metrics := provider.Metrics()
	metrics.RecordHTTPRequest(ctx, "GET", "/healthz", 200, 0)
	metrics.RecordProxyStart(ctx, "abc123", StatusSuccess)
	metrics.RecordProxyExit(ctx, "abc123", 1)
	metrics.RecordProxyReady(ctx, "abc123", 0, StatusSuccess)
	metrics.RecordKubeconfigUpdate(ctx, "abc123", StatusSuccess)
	metrics.RecordRoutedRequest(ctx, "abc123", false, 200, 0)
	metrics.RecordDiscovery(ctx, "abc123", "lens", 0)

	server := httptest.NewServer(provider.PrometheusHandler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics body: %v", err)
	}
	output := string(body)

	expected := []string{
		"http_requests_total",
		"http_request_duration_seconds",
		"kube_auth_proxy_starts_total",
		"kube_auth_proxy_exits_total",
		"kube_auth_proxy_ready_duration_seconds",
		"kube_auth_proxy_active",
		"kube_auth_kubeconfig_updates_total",
		"kube_auth_routed_requests_total",
		"kube_auth_routed_request_duration_seconds",
		"kube_auth_prometheus_discovery_total",
		"kube_auth_prometheus_discovery_duration_seconds",
		"go_goroutines",
	}
	var missing []string
	for _, name := range expected {
		if !strings.Contains(output, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		t.Errorf("metrics missing from /metrics output: %v", missing)
	}
}

func TestStdoutExporters(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	provider, err := NewProvider(ctx, Config{
		ServiceName:       "test-stdout",
		Enabled:           true,
		MetricsExporter:   ExporterStdout,
		TracingExporter:   ExporterStdout,
		TraceSamplingRate: 1,
	}, WithWriter(&buf))
	if err != nil {
		t.Fatalf("Failed to create instrumentation provider: %v", err)
	}

	provider.Metrics().RecordProxyStart(ctx, "abc123", StatusSuccess)
	_, span := StartClusterSpan(ctx, "ensure_proxy", "abc123")
	span.End()

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "kube_auth_proxy_starts_total") {
		t.Error("expected stdout metrics export on shutdown")
	}
	if !strings.Contains(output, "cluster.ensure_proxy") {
		t.Error("expected stdout trace export on shutdown")
	}
}
