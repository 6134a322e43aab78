package authproxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/kube-auth-proxy/internal/logging"
)

// watchKubeconfig watches the cluster kubeconfig file until the returned
// watcher is closed. The parent directory is watched so that files replaced
// by rename keep being observed.
func (s *Supervisor) watchKubeconfig() (*fsnotify.Watcher, error) {
	path := s.cluster.KubeconfigPath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create kubeconfig watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch kubeconfig %s: %w", path, err)
	}

	go s.watchLoop(watcher, path)
	return watcher, nil
}

func (s *Supervisor) watchLoop(watcher *fsnotify.Watcher, path string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleKubeconfigEvent(event, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Debug("kubeconfig watch error", logging.Err(err))
		}
	}
}

// handleKubeconfigEvent writes the kubeconfig back to the cluster record on
// content changes. Empty content is discarded since editors and tools
// truncate before writing. It reports whether the record was updated.
func (s *Supervisor) handleKubeconfigEvent(event fsnotify.Event, path string) bool {
	if filepath.Clean(event.Name) != filepath.Clean(path) {
		return false
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}

	ctx := context.Background()
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read kubeconfig after change", slog.String("path", path), logging.Err(err))
		return false
	}

	content := string(data)
	if strings.TrimSpace(content) == "" {
		s.logger.Warn(fmt.Sprintf("kubeconfig watch on %s resulted into empty config, ignoring...", path))
		return false
	}

	if err := s.cluster.UpdateKubeconfig(content); err != nil {
		s.logger.Error("failed to store updated kubeconfig", logging.Err(err))
		s.recorder.RecordKubeconfigUpdate(ctx, s.cluster.ID(), logging.StatusError)
		return false
	}
	s.recorder.RecordKubeconfigUpdate(ctx, s.cluster.ID(), logging.StatusSuccess)
	return true
}
