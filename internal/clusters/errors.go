package clusters

import "errors"

var (
	// ErrClusterNotFound indicates that no cluster, or no active cluster,
	// exists with the requested id.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrClusterActive indicates an operation that requires an inactive cluster.
	ErrClusterActive = errors.New("cluster is active")
)
