package orchestrator

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"

	"helm.sh/helm/v3/pkg/release"

	"github.com/datainfrapilot/datainfrapilot/pkg/helmengine"
	"github.com/datainfrapilot/datainfrapilot/pkg/kube"
	"github.com/datainfrapilot/datainfrapilot/pkg/remoteexec"
)

// KubeGateway is the subset of pkg/kube's Gateway the state machines drive,
// pulled out as an interface so tests can substitute a fake cluster instead
// of a real clientset.
type KubeGateway interface {
	EnsureNamespace(ctx context.Context, name string) error
	DeleteNamespace(ctx context.Context, name string) error
	EnsureSecret(ctx context.Context, namespace, name string, data map[string][]byte, secretType corev1.SecretType) error
	GetSecret(ctx context.Context, namespace, name string) (map[string][]byte, error)
	DeleteSecret(ctx context.Context, namespace, name string) error
	EnsureIngress(ctx context.Context, namespace, name string, rule kube.IngressRule) error
	DeleteIngress(ctx context.Context, namespace, name string) error
	EnsurePVC(ctx context.Context, namespace, name string, sizeGiB int, storageClass string) error
	DeletePVC(ctx context.Context, namespace, name string) error
	DeploymentReadiness(ctx context.Context, namespace, name string) (*kube.PodReadiness, error)
	ApplyManifestBundle(ctx context.Context, namespace string, objects []kube.RawObject) error
	ApplyUnstructured(ctx context.Context, gvr kube.GroupVersionResource, namespace string, obj map[string]any) error
}

// HelmEngine is the subset of pkg/helmengine's Engine the deployment state
// machine drives.
type HelmEngine interface {
	InstallOrUpgrade(ctx context.Context, releaseName, namespace string, chart helmengine.ChartRef, valuesYAML string, timeout time.Duration) (*release.Release, error)
	Uninstall(ctx context.Context, releaseName string) error
	GetRelease(ctx context.Context, releaseName string) (*release.Release, error)
}

var (
	_ KubeGateway = (*kube.Gateway)(nil)
	_ HelmEngine  = (*helmengine.Engine)(nil)
)

// ClusterClientFactory builds the per-cluster SSH/Kubernetes/Helm clients
// the state machines need. Decoupling construction from the orchestrator
// lets tests inject fakes without dialing anything real.
type ClusterClientFactory interface {
	SSHRunner(host, user string, privateKeyPEM []byte) (remoteexec.Runner, error)
	KubeGateway(kubeconfig []byte) (KubeGateway, error)
	HelmEngine(kubeconfig []byte, namespace string) (HelmEngine, error)
}

// DefaultClientFactory builds real SSH/Kubernetes/Helm clients.
type DefaultClientFactory struct {
	SSHPort int
}

func NewDefaultClientFactory() *DefaultClientFactory {
	return &DefaultClientFactory{SSHPort: 22}
}

func (f *DefaultClientFactory) SSHRunner(host, user string, privateKeyPEM []byte) (remoteexec.Runner, error) {
	return remoteexec.NewClient(host, f.SSHPort, user, privateKeyPEM)
}

func (f *DefaultClientFactory) KubeGateway(kubeconfig []byte) (KubeGateway, error) {
	return kube.NewGateway(kubeconfig)
}

func (f *DefaultClientFactory) HelmEngine(kubeconfig []byte, namespace string) (HelmEngine, error) {
	return helmengine.New(kubeconfig, namespace)
}
