package authproxy

import (
	"errors"
	"fmt"

	"github.com/giantswarm/kube-auth-proxy/internal/kubeconfig"
)

// Sentinel errors for proxy lifecycle failures.
// These errors can be checked using errors.Is() for programmatic error handling.
var (
	// ErrSpawnFailed indicates that the proxy process could not be started.
	ErrSpawnFailed = errors.New("failed to start authentication proxy")

	// ErrBinaryNotFound indicates that the proxying executable could not be located.
	ErrBinaryNotFound = errors.New("proxy executable not found")

	// ErrProxyExited indicates that the proxy process exited before its
	// socket became available.
	ErrProxyExited = errors.New("authentication proxy exited")

	// ErrSocketTimeout indicates that the proxy socket did not appear within
	// the readiness timeout.
	ErrSocketTimeout = errors.New("timed out waiting for proxy socket")
)

// SpawnError provides context about a proxy process that could not be started.
//
// Is() matches ErrSpawnFailed, Unwrap() returns the underlying cause so
// errors.Is() also matches it (for example ErrBinaryNotFound or fs errors).
type SpawnError struct {
	ClusterID string
	Binary    string
	Err       error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	if e.Binary == "" {
		return fmt.Sprintf("failed to start authentication proxy for cluster %q: %v", e.ClusterID, e.Err)
	}
	return fmt.Sprintf("failed to start authentication proxy %s for cluster %q: %v", e.Binary, e.ClusterID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrSpawnFailed.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawnFailed
}

// UserFacingError returns a short message the UI layer can render for
// activation and readiness failures. Construction, spawn and readiness
// failures yield distinct messages.
func UserFacingError(err error) string {
	var scopeErr *kubeconfig.ScopeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &scopeErr):
		return "cluster credentials are incomplete: " + scopeErr.Err.Error()
	case errors.Is(err, kubeconfig.ErrInvalid):
		return "cluster credentials could not be parsed"
	case errors.Is(err, ErrBinaryNotFound):
		return "proxy executable not found, check the kubectl path setting"
	case errors.Is(err, ErrSpawnFailed):
		return "failed to start the authentication proxy"
	case errors.Is(err, ErrSocketTimeout):
		return "the authentication proxy did not become ready in time"
	case errors.Is(err, ErrProxyExited):
		return "the authentication proxy exited during startup"
	default:
		return err.Error()
	}
}
