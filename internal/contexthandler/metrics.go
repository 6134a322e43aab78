package contexthandler

import (
	"context"
	"fmt"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/logging"
	"github.com/giantswarm/kube-auth-proxy/internal/prometheus"
)

// MetricsProvider returns the Prometheus provider of the cluster. Without a
// pinned provider, discovery runs once and its winner is remembered.
func (h *Handler) MetricsProvider(ctx context.Context) (prometheus.Provider, error) {
	h.mu.Lock()
	providerID := h.providerID
	h.mu.Unlock()

	if providerID == "" {
		svc, err := h.discover(ctx, "")
		if err != nil {
			return nil, err
		}
		h.logger.Info(fmt.Sprintf("using %s as prometheus provider", svc.ID), logging.Provider(svc.ID))

		h.mu.Lock()
		if h.providerID == "" {
			h.providerID = svc.ID
		}
		providerID = h.providerID
		h.mu.Unlock()
	}

	return h.registry.ByID(providerID)
}

// MetricsPath returns the service proxy path of the cluster's Prometheus
// service, formatted as <namespace>/services/<service>:<port>. A pinned
// service is returned as is; otherwise discovery runs once and its result
// is remembered. Discovery falls back to the default service rather than
// failing.
func (h *Handler) MetricsPath(ctx context.Context) (string, error) {
	h.mu.Lock()
	path, providerID := h.metricsPath, h.providerID
	h.mu.Unlock()

	if path != "" {
		return path, nil
	}

	svc, err := h.discover(ctx, providerID)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.metricsPath == "" {
		h.metricsPath = svc.Path()
	}
	return h.metricsPath, nil
}

func (h *Handler) discover(ctx context.Context, pinnedID string) (prometheus.Service, error) {
	ctx, span := instrumentation.StartClusterSpan(ctx, "discover_metrics", h.clusterID)
	defer span.End()

	client, err := h.kubeClient()
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return prometheus.Service{}, err
	}

	started := time.Now()
	svc := h.registry.Discover(ctx, client, pinnedID)
	h.recorder.RecordDiscovery(ctx, h.clusterID, svc.ID, time.Since(started))

	span.SetAttributes(instrumentation.NewSpanAttributeBuilder().WithProvider(svc.ID).Build()...)
	instrumentation.SetSpanSuccess(span)
	return svc, nil
}

func (h *Handler) kubeClient() (kubernetes.Interface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}
	client, err := h.newClient(h.scoped)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", h.clusterID, err)
	}
	h.client = client
	return client, nil
}
