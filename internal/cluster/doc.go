// Package cluster holds the durable per-cluster record consumed by the
// authentication proxy: identity, stored kubeconfig content, preferences and
// the derived file system locations (materialized kubeconfig, proxy socket).
//
// Records are kept in a YAML file managed by Store. A Cluster is the only
// write-back path for credential updates observed on its kubeconfig file.
package cluster
