package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker serves liveness and readiness endpoints.
type HealthChecker struct {
	ready         atomic.Bool
	serverContext *ServerContext
	startTime     time.Time
}

// NewHealthChecker creates a HealthChecker that starts ready.
func NewHealthChecker(sc *ServerContext) *HealthChecker {
	h := &HealthChecker{
		serverContext: sc,
		startTime:     time.Now(),
	}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state of the server.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the server is ready to receive traffic.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// HealthResponse represents the JSON response for health endpoints.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// DetailedHealthResponse adds cluster and delivery state.
type DetailedHealthResponse struct {
	Status          string                      `json:"status"`
	Version         string                      `json:"version,omitempty"`
	Uptime          string                      `json:"uptime"`
	Clusters        *ClustersHealth             `json:"clusters,omitempty"`
	Notifications   *NotificationsHealth        `json:"notifications,omitempty"`
	Instrumentation *InstrumentationHealthCheck `json:"instrumentation,omitempty"`
}

// ClustersHealth counts stored and active clusters and running proxies.
type ClustersHealth struct {
	Stored         int `json:"stored"`
	Active         int `json:"active"`
	ProxiesRunning int `json:"proxies_running"`
}

// NotificationsHealth reports log bus delivery counters.
type NotificationsHealth struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// InstrumentationHealthCheck provides health information about instrumentation.
type InstrumentationHealthCheck struct {
	Enabled bool `json:"enabled"`
}

// LivenessHandler serves /healthz.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: h.version(),
		})
	})
}

// ReadinessHandler serves /readyz.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		checks := make(map[string]string)
		allOk := true

		if h.ready.Load() {
			checks["ready"] = "ok"
		} else {
			checks["ready"] = "not ready"
			allOk = false
		}

		if h.serverContext != nil && h.serverContext.IsShutdown() {
			checks["shutdown"] = "shutting down"
			allOk = false
		} else {
			checks["shutdown"] = "ok"
		}

		if h.serverContext != nil {
			if provider := h.serverContext.InstrumentationProvider(); provider != nil {
				if provider.Enabled() {
					checks["instrumentation"] = "ok"
				} else {
					checks["instrumentation"] = "disabled"
				}
			}
		}

		response := HealthResponse{Checks: checks, Status: "ok"}
		if allOk {
			w.WriteHeader(http.StatusOK)
		} else {
			response.Status = "not ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(response)
	})
}

// DetailedHealthHandler serves /healthz/detailed.
func (h *HealthChecker) DetailedHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		response := DetailedHealthResponse{
			Status:  "ok",
			Version: h.version(),
			Uptime:  time.Since(h.startTime).Truncate(time.Second).String(),
		}

		if sc := h.serverContext; sc != nil {
			response.Clusters = h.clustersHealth()

			stats := sc.Bus().Stats()
			response.Notifications = &NotificationsHealth{
				Published:   stats.Published,
				Delivered:   stats.Delivered,
				Dropped:     stats.Dropped,
				Subscribers: stats.Subscribers,
			}

			response.Instrumentation = &InstrumentationHealthCheck{}
			if provider := sc.InstrumentationProvider(); provider != nil {
				response.Instrumentation.Enabled = provider.Enabled()
			}
		}

		switch {
		case !h.ready.Load():
			response.Status = "not ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		case h.serverContext != nil && h.serverContext.IsShutdown():
			response.Status = "shutting down"
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(response)
	})
}

func (h *HealthChecker) clustersHealth() *ClustersHealth {
	manager := h.serverContext.Manager()
	health := &ClustersHealth{Stored: len(manager.Store().List())}
	for _, handler := range manager.Active() {
		health.Active++
		if handler.ProxyRunning() {
			health.ProxiesRunning++
		}
	}
	return health
}

func (h *HealthChecker) version() string {
	if h.serverContext == nil || h.serverContext.Config() == nil {
		return ""
	}
	return h.serverContext.Config().Version
}

// RegisterHealthEndpoints registers health check endpoints on the given mux.
func (h *HealthChecker) RegisterHealthEndpoints(mux *http.ServeMux) {
	mux.Handle("GET /healthz", h.LivenessHandler())
	mux.Handle("GET /readyz", h.ReadinessHandler())
	mux.Handle("GET /healthz/detailed", h.DetailedHealthHandler())
}
