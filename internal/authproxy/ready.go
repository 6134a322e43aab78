package authproxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errSocketNotReady = errors.New("proxy socket not ready")

const (
	readyInitialInterval = 10 * time.Millisecond
	readyMaxInterval     = 500 * time.Millisecond
)

// waitReady blocks until the socket of proc exists. It fails when proc
// exits first, when ctx ends, or when the ready timeout elapses.
func (s *Supervisor) waitReady(ctx context.Context, proc *process) error {
	socket := s.cluster.ProxySocketPath()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readyInitialInterval
	b.MaxInterval = readyMaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if _, err := os.Stat(socket); err == nil {
			return struct{}{}, nil
		}
		select {
		case <-proc.done:
			return struct{}{}, backoff.Permanent(ErrProxyExited)
		default:
		}
		return struct{}{}, errSocketNotReady
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(s.readyTimeout))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProxyExited):
		if lastError := s.LastError(); lastError != "" {
			return fmt.Errorf("%w: %s", ErrProxyExited, lastError)
		}
		return ErrProxyExited
	case errors.Is(err, errSocketNotReady):
		return fmt.Errorf("%w: %s after %s", ErrSocketTimeout, socket, s.readyTimeout)
	default:
		return fmt.Errorf("waiting for proxy socket: %w", err)
	}
}
