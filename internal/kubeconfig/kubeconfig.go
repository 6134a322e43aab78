package kubeconfig

import (
	"fmt"
	"net/url"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// Current holds the entries the current context of a credential set points at.
type Current struct {
	ContextName string
	ClusterName string
	UserName    string
	Namespace   string
	Server      string
}

// Load parses raw kubeconfig content.
func Load(data []byte) (*clientcmdapi.Config, error) {
	cfg, err := clientcmd.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// Serialize renders a credential set in the standard kubeconfig format.
func Serialize(cfg *clientcmdapi.Config) ([]byte, error) {
	data, err := clientcmd.Write(*cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize kubeconfig: %w", err)
	}
	return data, nil
}

// Resolve returns the context, cluster and user selected by the current context.
func Resolve(source *clientcmdapi.Config) (*Current, error) {
	if source == nil || source.CurrentContext == "" {
		return nil, &ScopeError{Err: ErrMissingCurrentContext}
	}

	name := source.CurrentContext
	kubeContext, ok := source.Contexts[name]
	if !ok || kubeContext == nil {
		return nil, &ScopeError{ContextName: name, Err: ErrMissingCurrentContext}
	}

	cluster, ok := source.Clusters[kubeContext.Cluster]
	if !ok || cluster == nil {
		return nil, &ScopeError{ContextName: name, Err: ErrMissingCurrentCluster}
	}

	if _, ok := source.AuthInfos[kubeContext.AuthInfo]; !ok {
		return nil, &ScopeError{ContextName: name, Err: ErrMissingCurrentUser}
	}

	return &Current{
		ContextName: name,
		ClusterName: kubeContext.Cluster,
		UserName:    kubeContext.AuthInfo,
		Namespace:   kubeContext.Namespace,
		Server:      cluster.Server,
	}, nil
}

// Scoped derives a single cluster, user and context credential set from
// source. The cluster entry points at serverURL with TLS verification
// disabled and the user authenticates with token. The original context
// name and namespace are preserved.
func Scoped(source *clientcmdapi.Config, serverURL, token string) (*clientcmdapi.Config, error) {
	current, err := Resolve(source)
	if err != nil {
		return nil, err
	}

	scoped := clientcmdapi.NewConfig()
	scoped.Clusters[current.ClusterName] = &clientcmdapi.Cluster{
		Server:                serverURL,
		InsecureSkipTLSVerify: true,
	}
	scoped.AuthInfos[current.UserName] = &clientcmdapi.AuthInfo{
		Token: token,
	}
	scoped.Contexts[current.ContextName] = &clientcmdapi.Context{
		Cluster:   current.ClusterName,
		AuthInfo:  current.UserName,
		Namespace: current.Namespace,
	}
	scoped.CurrentContext = current.ContextName

	return scoped, nil
}

// WithContext returns a shallow copy of cfg whose current context is name.
// An empty name leaves the current context untouched.
func WithContext(cfg *clientcmdapi.Config, name string) *clientcmdapi.Config {
	if cfg == nil || name == "" {
		return cfg
	}
	copied := *cfg
	copied.CurrentContext = name
	return &copied
}

// Hostname returns the host component, without port, of an API server URL.
func Hostname(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid API server URL %q: %w", server, err)
	}
	return u.Hostname(), nil
}
