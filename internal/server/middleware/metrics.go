package middleware

import (
	"net/http"
	"regexp"
	"time"

	"github.com/giantswarm/kube-auth-proxy/internal/instrumentation"
)

// StatusWriter wraps http.ResponseWriter to capture the status code.
type StatusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// NewStatusWriter wraps w. The status defaults to 200.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// StatusCode returns the first status written.
func (sw *StatusWriter) StatusCode() int {
	return sw.statusCode
}

// WriteHeader captures the status code before writing the header.
func (sw *StatusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

// Write marks the response as written.
func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for streamed responses.
func (sw *StatusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPMetrics records request count and duration per method, normalized
// path and status. A nil or disabled provider makes it a pass-through.
func HTTPMetrics(provider *instrumentation.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provider == nil || !provider.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := NewStatusWriter(w)
			next.ServeHTTP(sw, r)

			provider.Metrics().RecordHTTPRequest(
				r.Context(),
				r.Method,
				normalizePath(r.URL.Path),
				sw.statusCode,
				time.Since(start),
			)
		})
	}
}

// ProxiedPath labels every request forwarded to a cluster.
const ProxiedPath = "/:cluster/*"

var (
	managementPaths = map[string]bool{
		"/healthz":          true,
		"/readyz":           true,
		"/healthz/detailed": true,
		"/kube-auth/status": true,
		"/metrics":          true,
		"/mcp":              true,
	}

	logsPattern      = regexp.MustCompile(`^/kube-auth/[^/]+/logs$`)
	sessionIDPattern = regexp.MustCompile(`^/mcp/[a-zA-Z0-9_-]{8,64}$`)
)

// normalizePath bounds label cardinality. Cluster ids and everything
// below them are collapsed.
func normalizePath(path string) string {
	switch {
	case managementPaths[path]:
		return path
	case logsPattern.MatchString(path):
		return "/kube-auth/:cluster/logs"
	case sessionIDPattern.MatchString(path):
		return "/mcp/:session"
	default:
		return ProxiedPath
	}
}
