// Package clusters keeps one access context per active cluster and maps
// inbound requests to them.
package clusters
