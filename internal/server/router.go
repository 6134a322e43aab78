package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/kube-auth-proxy/internal/authproxy"
	"github.com/giantswarm/kube-auth-proxy/internal/contexthandler"
	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
	"github.com/giantswarm/kube-auth-proxy/internal/logging"
	"github.com/giantswarm/kube-auth-proxy/internal/server/middleware"
)

// Router forwards requests to the proxy process of the cluster they are
// addressed to.
type Router struct {
	sc *ServerContext

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewRouter returns a router over the clusters of sc.
func NewRouter(sc *ServerContext) *Router {
	return &Router{
		sc:         sc,
		transports: make(map[string]*http.Transport),
	}
}

// IsLongLived reports whether r is a watch or log follow request.
func IsLongLived(r *http.Request) bool {
	q := r.URL.Query()
	for _, key := range []string{"watch", "follow"} {
		switch q.Get(key) {
		case "true", "1":
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rt.sc.IsShutdown() {
		http.Error(w, ErrServerShutdown.Error(), http.StatusServiceUnavailable)
		return
	}

	h, path, err := rt.sc.Manager().Resolve(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	longLived := IsLongLived(r)
	ctx, span := instrumentation.StartClusterSpan(r.Context(), "route", h.ID(),
		instrumentation.NewSpanAttributeBuilder().WithLongLived(longLived).Build()...)
	defer span.End()

	logger := logging.WithCluster(rt.sc.Logger(), h.ID())

	target, err := h.RoutingTarget(ctx, longLived)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		logger.Warn("failed to reach authentication proxy", logging.Err(err))
		http.Error(w, authproxy.UserFacingError(err), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, target.Timeout)
	defer cancel()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			rewrite(pr, h, target, path)
		},
		Transport:    rt.transport(target.Destination.SocketPath),
		ErrorHandler: upstreamErrorHandler(h, logger),
	}
	if longLived {
		proxy.FlushInterval = -1
	}

	started := time.Now()
	sw := middleware.NewStatusWriter(w)
	proxy.ServeHTTP(sw, r.WithContext(ctx))

	rt.sc.Metrics().RecordRoutedRequest(ctx, h.ID(), longLived, sw.StatusCode(), time.Since(started))
	if sw.StatusCode() >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, fmt.Errorf("upstream responded with status %d", sw.StatusCode()))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
}

// rewrite points the outbound request at the target: the destination path
// is prefixed, Host carries the real API server hostname and the
// credential is replaced by the synthetic token.
func rewrite(pr *httputil.ProxyRequest, h *contexthandler.Handler, target *contexthandler.Target, path string) {
	dest := target.Destination
	pr.Out.URL.Scheme = dest.Protocol
	pr.Out.URL.Host = dest.Host
	pr.Out.URL.Path = joinPath(dest.Path, path)
	pr.Out.URL.RawPath = ""

	for name, value := range target.Headers {
		if http.CanonicalHeaderKey(name) == "Host" {
			pr.Out.Host = value
			continue
		}
		pr.Out.Header.Set(name, value)
	}
	h.ApplyCredential(pr.Out)
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	return strings.TrimSuffix(base, "/") + path
}

// upstreamErrorHandler reports a failed forward. The proxy's last
// classified error explains most failures better than the dial error.
func upstreamErrorHandler(h *contexthandler.Handler, logger *slog.Logger) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}

		msg := err.Error()
		if lastError, ok := h.LastProxyError(); ok && lastError != "" {
			msg = lastError
		}
		logger.Warn("upstream request failed", logging.Err(err), logging.Status(http.StatusText(status)))
		http.Error(w, msg, status)
	}
}

// transport returns the shared transport dialing socket.
func (rt *Router) transport(socket string) *http.Transport {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if t, ok := rt.transports[socket]; ok {
		return t
	}
	t := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	rt.transports[socket] = t
	return t
}

// CloseIdleConnections closes idle upstream connections of every cluster.
func (rt *Router) CloseIdleConnections() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, t := range rt.transports {
		t.CloseIdleConnections()
	}
}
