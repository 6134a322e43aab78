// Package contexthandler represents the authenticated access context of one
// active cluster.
//
// A Handler derives a scoped kubeconfig that points local clients at the
// loopback router with a synthetic bearer token equal to the cluster id. It
// owns the cluster's authenticating proxy process, computes the routing
// target the router forwards requests to, and resolves the cluster's
// Prometheus service on demand.
//
//	h, err := contexthandler.New(source, c)
//	if err != nil {
//		return err
//	}
//	if err := h.EnsureProxy(ctx); err != nil {
//		return err
//	}
//	target, err := h.RoutingTarget(ctx, false)
package contexthandler
