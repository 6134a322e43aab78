// Package prometheus discovers the Prometheus-compatible metrics service of
// a cluster.
//
// A Provider is a strategy that recognizes one kind of metrics deployment
// (the bundled Lens stack, a Helm chart, the Prometheus operator,
// StackLight). A Registry runs its providers against the live cluster API
// concurrently and picks the first match in registration order. When
// nothing matches, discovery falls back to DefaultService so it always
// yields a usable target.
package prometheus
