// Package kubeauth registers MCP tools that expose the state of the local
// cluster proxies: the active clusters, the output of each proxy process
// and the metrics service discovered in each cluster.
package kubeauth
