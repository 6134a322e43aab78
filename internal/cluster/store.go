package cluster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"sigs.k8s.io/yaml"
)

// DefaultPort is the loopback router port used when none is configured.
const DefaultPort = 9191

// File is the on-disk layout of the cluster store.
type File struct {
	Clusters []Record `json:"clusters"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPort sets the loopback router port shared by all clusters.
func WithPort(port int) StoreOption {
	return func(s *Store) {
		s.port = port
	}
}

// WithKubeconfigDir sets where per-cluster kubeconfig files are materialized.
func WithKubeconfigDir(dir string) StoreOption {
	return func(s *Store) {
		s.kubeconfigDir = dir
	}
}

// WithSocketDir sets where per-cluster proxy sockets are created.
func WithSocketDir(dir string) StoreOption {
	return func(s *Store) {
		s.socketDir = dir
	}
}

// Store keeps cluster records and persists them to a YAML file. A store
// without a path keeps records in memory only.
type Store struct {
	path          string
	port          int
	kubeconfigDir string
	socketDir     string

	mu       sync.RWMutex
	saveMu   sync.Mutex
	clusters map[string]*Cluster
	order    []string
}

// NewStore returns an empty store persisted at path.
func NewStore(path string, opts ...StoreOption) *Store {
	base := filepath.Join(os.TempDir(), "kube-auth-proxy")
	s := &Store{
		path:          path,
		port:          DefaultPort,
		kubeconfigDir: filepath.Join(base, "kubeconfigs"),
		socketDir:     filepath.Join(base, "sockets"),
		clusters:      make(map[string]*Cluster),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string, opts ...StoreOption) (*Store, error) {
	s := NewStore(path, opts...)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster store: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse cluster store %s: %w", path, err)
	}
	for _, rec := range file.Clusters {
		if err := s.add(rec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Add validates rec, adds it to the store and persists the store.
func (s *Store) Add(rec Record) (*Cluster, error) {
	if err := s.add(rec); err != nil {
		return nil, err
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	c, _ := s.Get(rec.ID)
	return c, nil
}

func (s *Store) add(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clusters[rec.ID]; exists {
		return &RecordError{ID: rec.ID, Reason: "duplicate id", Err: ErrDuplicateCluster}
	}
	rec.Preferences = copyPreferences(rec.Preferences)
	s.clusters[rec.ID] = &Cluster{
		record:        rec,
		store:         s,
		port:          s.port,
		kubeconfigDir: s.kubeconfigDir,
		socketDir:     s.socketDir,
	}
	s.order = append(s.order, rec.ID)
	return nil
}

// Remove deletes the cluster with id and persists the store. It reports
// whether the cluster existed.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	_, exists := s.clusters[id]
	if exists {
		delete(s.clusters, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !exists {
		return false, nil
	}
	return true, s.Save()
}

// Get returns the cluster with id.
func (s *Store) Get(id string) (*Cluster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	return c, ok
}

// List returns all clusters in insertion order.
func (s *Store) List() []*Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Cluster, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.clusters[id])
	}
	return out
}

// Save writes all records to the backing file. The file is replaced
// atomically so readers never observe a partial write.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	var file File
	for _, c := range s.List() {
		file.Clusters = append(file.Clusters, c.Record())
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode cluster store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create cluster store directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".clusters-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write cluster store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cluster store: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cluster store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cluster store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace cluster store: %w", err)
	}
	return nil
}
