// Package instrumentation provides OpenTelemetry instrumentation for the
// kube-auth-proxy server.
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//
// Authentication proxy metrics:
//   - kube_auth_proxy_starts_total: Spawn attempts by status
//   - kube_auth_proxy_exits_total: Process exits by exit code
//   - kube_auth_proxy_ready_duration_seconds: Time until the socket appeared
//   - kube_auth_proxy_active: Running proxy processes
//   - kube_auth_kubeconfig_updates_total: Kubeconfig write-backs by status
//   - kube_auth_routed_requests_total: Routed requests by kind and status
//   - kube_auth_routed_request_duration_seconds: Routed request durations
//
// Metrics provider discovery:
//   - kube_auth_prometheus_discovery_total: Discoveries by winning provider
//   - kube_auth_prometheus_discovery_duration_seconds: Discovery durations
//
// The cluster id label is only added with METRICS_DETAILED_LABELS=true.
//
// # Configuration
//
// Instrumentation is configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: false)
//   - METRICS_EXPORTER: prometheus, otlp, stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout, none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_EXPORTER_OTLP_INSECURE: Plain HTTP for OTLP export
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: kube-auth-proxy)
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	metrics := provider.Metrics()
//	metrics.RecordRoutedRequest(ctx, "abc123", false, 200, time.Since(start))
package instrumentation
