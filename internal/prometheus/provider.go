package prometheus

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// FallbackProviderID identifies the service returned when no provider matches.
const FallbackProviderID = "lens"

// ErrProviderNotFound indicates that no provider is registered under an id.
var ErrProviderNotFound = errors.New("prometheus provider not found")

// Service locates a metrics service inside a cluster.
type Service struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Service   string `json:"service"`
	Port      int32  `json:"port"`
}

// Path formats the service as <namespace>/services/<service>:<port>, the
// form used with the API server's service proxy.
func (s Service) Path() string {
	return FormatPath(s.Namespace, s.Service, s.Port)
}

// FormatPath formats a service proxy path.
func FormatPath(namespace, service string, port int32) string {
	return fmt.Sprintf("%s/services/%s:%d", namespace, service, port)
}

// DefaultService is returned when no provider recognizes the cluster.
func DefaultService() Service {
	return Service{
		ID:        FallbackProviderID,
		Namespace: "lens-metrics",
		Service:   "prometheus",
		Port:      80,
	}
}

// Provider recognizes one kind of metrics deployment. PrometheusService
// returns nil without error when the cluster does not run it.
type Provider interface {
	ID() string
	Name() string
	PrometheusService(ctx context.Context, client kubernetes.Interface) (*Service, error)
}

// NamedServiceProvider matches a service with a fixed name and namespace.
type NamedServiceProvider struct {
	ProviderID   string
	ProviderName string
	Namespace    string
	ServiceName  string
}

// ID implements Provider.
func (p *NamedServiceProvider) ID() string { return p.ProviderID }

// Name implements Provider.
func (p *NamedServiceProvider) Name() string { return p.ProviderName }

// PrometheusService implements Provider.
func (p *NamedServiceProvider) PrometheusService(ctx context.Context, client kubernetes.Interface) (*Service, error) {
	svc, err := client.CoreV1().Services(p.Namespace).Get(ctx, p.ServiceName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: failed to get service %s/%s: %w", p.ProviderID, p.Namespace, p.ServiceName, err)
	}
	return serviceFor(p.ProviderID, svc), nil
}

// LabeledServiceProvider matches the first service across all namespaces
// carrying a label selector.
type LabeledServiceProvider struct {
	ProviderID    string
	ProviderName  string
	LabelSelector string
}

// ID implements Provider.
func (p *LabeledServiceProvider) ID() string { return p.ProviderID }

// Name implements Provider.
func (p *LabeledServiceProvider) Name() string { return p.ProviderName }

// PrometheusService implements Provider.
func (p *LabeledServiceProvider) PrometheusService(ctx context.Context, client kubernetes.Interface) (*Service, error) {
	list, err := client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{LabelSelector: p.LabelSelector})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to list services %q: %w", p.ProviderID, p.LabelSelector, err)
	}
	for i := range list.Items {
		if svc := serviceFor(p.ProviderID, &list.Items[i]); svc != nil {
			return svc, nil
		}
	}
	return nil, nil
}

// serviceFor converts svc into a Service, using its first port. Services
// without ports are not usable.
func serviceFor(providerID string, svc *corev1.Service) *Service {
	if len(svc.Spec.Ports) == 0 {
		return nil
	}
	return &Service{
		ID:        providerID,
		Namespace: svc.Namespace,
		Service:   svc.Name,
		Port:      svc.Spec.Ports[0].Port,
	}
}

// Lens matches the metrics stack bundled with the desktop application.
func Lens() Provider {
	return &NamedServiceProvider{
		ProviderID:   "lens",
		ProviderName: "Lens",
		Namespace:    "lens-metrics",
		ServiceName:  "prometheus",
	}
}

// Helm matches the prometheus Helm chart server.
func Helm() Provider {
	return &LabeledServiceProvider{
		ProviderID:    "helm",
		ProviderName:  "Helm",
		LabelSelector: "app=prometheus,component=server,heritage=Helm",
	}
}

// Operator matches services managed by the Prometheus operator.
func Operator() Provider {
	return &LabeledServiceProvider{
		ProviderID:    "operator",
		ProviderName:  "Prometheus Operator",
		LabelSelector: "operated-prometheus=true",
	}
}

// StackLight matches the Mirantis StackLight metrics service.
func StackLight() Provider {
	return &NamedServiceProvider{
		ProviderID:   "stacklight",
		ProviderName: "StackLight",
		Namespace:    "stacklight",
		ServiceName:  "prometheus-server",
	}
}
