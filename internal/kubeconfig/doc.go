// Package kubeconfig derives scoped credential contexts from a user's
// kubeconfig.
//
// A scoped credential context contains exactly one cluster, one user and one
// context. It points at the local loopback router instead of the real API
// server and authenticates with a synthetic bearer token, so the real
// upstream credentials never leave the authenticating proxy process.
package kubeconfig
