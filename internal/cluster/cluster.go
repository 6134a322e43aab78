package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/giantswarm/kube-auth-proxy/internal/kubeconfig"
)

// PrometheusPreferences pins the metrics service of a cluster.
type PrometheusPreferences struct {
	Namespace string `json:"namespace"`
	Service   string `json:"service"`
	Port      int    `json:"port"`
}

// ProviderPreferences pins the metrics provider strategy of a cluster.
type ProviderPreferences struct {
	Type string `json:"type"`
}

// Preferences are the user settings attached to a cluster.
type Preferences struct {
	ClusterName        string                 `json:"clusterName,omitempty"`
	HTTPSProxy         string                 `json:"httpsProxy,omitempty"`
	Prometheus         *PrometheusPreferences `json:"prometheus,omitempty"`
	PrometheusProvider *ProviderPreferences   `json:"prometheusProvider,omitempty"`
}

// Record is the stored form of a cluster.
type Record struct {
	ID          string      `json:"id"`
	ContextName string      `json:"contextName,omitempty"`
	Kubeconfig  string      `json:"kubeconfig"`
	Preferences Preferences `json:"preferences,omitempty"`
}

// Validate checks that the record can back an active cluster.
func (r Record) Validate() error {
	if r.ID == "" {
		return &RecordError{Reason: "id is required", Err: ErrInvalidRecord}
	}
	if filepath.Base(r.ID) != r.ID || r.ID == "." || r.ID == ".." {
		return &RecordError{ID: r.ID, Reason: "id must not contain path separators", Err: ErrInvalidRecord}
	}
	if r.Kubeconfig == "" {
		return &RecordError{ID: r.ID, Reason: "kubeconfig is required", Err: ErrInvalidRecord}
	}
	return nil
}

// persister saves the durable state a cluster belongs to.
type persister interface {
	Save() error
}

// Cluster is a live handle on a stored cluster record.
type Cluster struct {
	mu     sync.RWMutex
	record Record

	store         persister
	port          int
	kubeconfigDir string
	socketDir     string
}

// ID returns the stable cluster identifier.
func (c *Cluster) ID() string {
	return c.record.ID
}

// ContextName returns the kubeconfig context this cluster is bound to. An
// empty value means the current context of the stored kubeconfig.
func (c *Cluster) ContextName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.ContextName
}

// Port returns the loopback port the local router listens on.
func (c *Cluster) Port() int {
	return c.port
}

// Preferences returns a copy of the cluster preferences.
func (c *Cluster) Preferences() Preferences {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyPreferences(c.record.Preferences)
}

func copyPreferences(prefs Preferences) Preferences {
	if prefs.Prometheus != nil {
		p := *prefs.Prometheus
		prefs.Prometheus = &p
	}
	if prefs.PrometheusProvider != nil {
		p := *prefs.PrometheusProvider
		prefs.PrometheusProvider = &p
	}
	return prefs
}

// SetPreferences replaces the cluster preferences and persists them.
func (c *Cluster) SetPreferences(prefs Preferences) error {
	c.mu.Lock()
	c.record.Preferences = prefs
	c.mu.Unlock()
	return c.save()
}

// Kubeconfig returns the stored kubeconfig content.
func (c *Cluster) Kubeconfig() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Kubeconfig
}

// Record returns a snapshot of the stored form.
func (c *Cluster) Record() Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := c.record
	rec.Preferences = copyPreferences(rec.Preferences)
	return rec
}

// SourceConfig parses the stored kubeconfig with the cluster context selected.
func (c *Cluster) SourceConfig() (*clientcmdapi.Config, error) {
	c.mu.RLock()
	content, contextName := c.record.Kubeconfig, c.record.ContextName
	c.mu.RUnlock()

	cfg, err := kubeconfig.Load([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", c.record.ID, err)
	}
	return kubeconfig.WithContext(cfg, contextName), nil
}

// APIURL returns the API server URL of the cluster context.
func (c *Cluster) APIURL() (string, error) {
	cfg, err := c.SourceConfig()
	if err != nil {
		return "", err
	}
	current, err := kubeconfig.Resolve(cfg)
	if err != nil {
		return "", err
	}
	return current.Server, nil
}

// KubeconfigPath returns the path of the materialized kubeconfig file handed
// to the proxy process.
func (c *Cluster) KubeconfigPath() string {
	return filepath.Join(c.kubeconfigDir, c.record.ID+"-kubeconfig")
}

// ProxySocketPath returns the unix socket the proxy process binds.
func (c *Cluster) ProxySocketPath() string {
	return filepath.Join(c.socketDir, c.record.ID+".sock")
}

// Materialize writes the stored kubeconfig to KubeconfigPath with the
// cluster context selected as the current context.
func (c *Cluster) Materialize() error {
	cfg, err := c.SourceConfig()
	if err != nil {
		return err
	}

	content := []byte(c.Kubeconfig())
	if name := c.ContextName(); name != "" {
		if original, err := kubeconfig.Load(content); err == nil && original.CurrentContext != name {
			if content, err = kubeconfig.Serialize(cfg); err != nil {
				return err
			}
		}
	}

	if err := os.MkdirAll(c.kubeconfigDir, 0o700); err != nil {
		return fmt.Errorf("failed to create kubeconfig directory: %w", err)
	}
	if err := os.WriteFile(c.KubeconfigPath(), content, 0o600); err != nil {
		return fmt.Errorf("failed to write kubeconfig for cluster %s: %w", c.record.ID, err)
	}
	return nil
}

// UpdateKubeconfig replaces the stored kubeconfig content with content as
// observed on disk and persists the store. The materialized file is not
// rewritten since it is the source of the update.
func (c *Cluster) UpdateKubeconfig(content string) error {
	c.mu.Lock()
	c.record.Kubeconfig = content
	c.mu.Unlock()
	return c.save()
}

func (c *Cluster) save() error {
	if c.store == nil {
		return nil
	}
	return c.store.Save()
}
