package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord indicates a cluster record that cannot be used,
	// for example because it has no id or no kubeconfig content.
	ErrInvalidRecord = errors.New("invalid cluster record")

	// ErrDuplicateCluster indicates that a record with the same id already
	// exists in the store.
	ErrDuplicateCluster = errors.New("cluster already exists")
)

// RecordError describes why a specific record was rejected.
type RecordError struct {
	ID     string
	Reason string
	Err    error
}

func (e *RecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v %q: %s", e.Err, e.ID, e.Reason)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
