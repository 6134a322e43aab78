package kubeconfig

import (
	"errors"
	"fmt"
)

// Sentinel errors for source credential sets that cannot be scoped.
var (
	// ErrMissingCurrentContext indicates the source has no current context,
	// or the named current context does not exist.
	ErrMissingCurrentContext = errors.New("kubeconfig has no current context")

	// ErrMissingCurrentCluster indicates the current context references a
	// cluster entry that does not exist.
	ErrMissingCurrentCluster = errors.New("kubeconfig has no current cluster")

	// ErrMissingCurrentUser indicates the current context references a
	// user entry that does not exist.
	ErrMissingCurrentUser = errors.New("kubeconfig has no current user")

	// ErrInvalid indicates the credential file could not be parsed.
	ErrInvalid = errors.New("kubeconfig data is invalid")
)

// ScopeError describes why a scoped credential context could not be derived.
type ScopeError struct {
	ContextName string
	Err         error
}

// Error implements the error interface.
func (e *ScopeError) Error() string {
	if e.ContextName == "" {
		return fmt.Sprintf("cannot scope kubeconfig: %v", e.Err)
	}
	return fmt.Sprintf("cannot scope kubeconfig context %q: %v", e.ContextName, e.Err)
}

// Unwrap returns the underlying sentinel error for use with errors.Is().
func (e *ScopeError) Unwrap() error {
	return e.Err
}
