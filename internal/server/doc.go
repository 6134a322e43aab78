// Package server runs the loopback HTTP server that fronts every active
// cluster.
//
// Requests reach a cluster either by host, as in
// http://abc123.localhost:9191/api/v1/pods, or by path prefix, as in
// http://127.0.0.1:9191/abc123/api/v1/pods. The Router resolves the
// cluster, makes sure its authentication proxy runs, rewrites Host and
// Authorization and forwards the request over the proxy's unix socket.
// Watch and follow requests get the long-lived routing target.
//
// Management endpoints live next to the router:
//
//   - /healthz, /readyz and /healthz/detailed
//   - /kube-auth/status lists active clusters
//   - /kube-auth/{id}/logs streams proxy output as server-sent events
//   - /mcp serves the MCP tools when enabled
//
// ServerContext carries the shared dependencies (cluster manager, log bus,
// instrumentation) and owns their shutdown. MetricsServer exposes
// Prometheus metrics on a separate listener.
package server
