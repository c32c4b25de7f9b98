package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"

	"helm.sh/helm/v3/pkg/release"

	"github.com/datainfrapilot/datainfrapilot/pkg/catalog"
	"github.com/datainfrapilot/datainfrapilot/pkg/helmengine"
	"github.com/datainfrapilot/datainfrapilot/pkg/kube"
	"github.com/datainfrapilot/datainfrapilot/pkg/orchestrator"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/datainfrapilot/datainfrapilot/pkg/remoteexec"
	"github.com/datainfrapilot/datainfrapilot/pkg/store"
)

// fakeProvider is a minimal in-memory IaaS backend, just enough for the
// orchestrator's background goroutine to run to completion without
// dialing anything real while a REST-layer test is in flight.
type fakeProvider struct {
	mu      sync.Mutex
	servers map[string]*provider.Server
	nextIP  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{servers: map[string]*provider.Server{}}
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) EnsureSSHKey(ctx context.Context, clusterID, name, publicKey string) (string, error) {
	return "key-1", nil
}
func (f *fakeProvider) EnsureFirewall(ctx context.Context, clusterID, name string, rules provider.FirewallRules) (string, error) {
	return "fw-1", nil
}
func (f *fakeProvider) EnsureNetwork(ctx context.Context, clusterID, name, ipRange string) (string, error) {
	return "net-1", nil
}
func (f *fakeProvider) CreateServer(ctx context.Context, spec provider.ServerSpec) (*provider.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIP++
	s := &provider.Server{
		ID: spec.Name, Name: spec.Name,
		PublicIP:  fmt.Sprintf("10.0.0.%d", f.nextIP),
		PrivateIP: fmt.Sprintf("10.1.0.%d", f.nextIP),
		Status:    "running",
		Labels:    spec.Labels.AsMap(),
	}
	f.servers[spec.Name] = s
	return s, nil
}
func (f *fakeProvider) DeleteServer(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, serverID)
	return nil
}
func (f *fakeProvider) GetServer(ctx context.Context, serverID string) (*provider.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("fakeProvider: server %s not found", serverID)
	}
	return s, nil
}
func (f *fakeProvider) ListServersByLabel(ctx context.Context, clusterID string) ([]*provider.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*provider.Server
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeProvider) CreateVolume(ctx context.Context, spec provider.VolumeSpec) (*provider.Volume, error) {
	return &provider.Volume{ID: spec.Name, Name: spec.Name, SizeGiB: spec.SizeGiB}, nil
}
func (f *fakeProvider) DeleteVolume(ctx context.Context, volumeID string) error           { return nil }
func (f *fakeProvider) AttachVolume(ctx context.Context, volumeID, serverID string) error { return nil }
func (f *fakeProvider) DetachVolume(ctx context.Context, volumeID string) error           { return nil }
func (f *fakeProvider) DeleteFirewall(ctx context.Context, firewallID string) error       { return nil }
func (f *fakeProvider) DeleteNetwork(ctx context.Context, networkID string) error         { return nil }
func (f *fakeProvider) TeardownByLabel(ctx context.Context, clusterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = map[string]*provider.Server{}
	return nil
}

var _ provider.Provider = (*fakeProvider)(nil)

type fakeSSHRunner struct{}

func (f *fakeSSHRunner) Run(ctx context.Context, command string) (string, error) {
	return "", nil
}

var _ remoteexec.Runner = (*fakeSSHRunner)(nil)

type fakeKubeGateway struct{}

func (g *fakeKubeGateway) EnsureNamespace(ctx context.Context, name string) error { return nil }
func (g *fakeKubeGateway) DeleteNamespace(ctx context.Context, name string) error { return nil }
func (g *fakeKubeGateway) EnsureSecret(ctx context.Context, namespace, name string, data map[string][]byte, secretType corev1.SecretType) error {
	return nil
}
func (g *fakeKubeGateway) GetSecret(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	return map[string][]byte{"password": []byte("secret")}, nil
}
func (g *fakeKubeGateway) DeleteSecret(ctx context.Context, namespace, name string) error { return nil }
func (g *fakeKubeGateway) EnsureIngress(ctx context.Context, namespace, name string, rule kube.IngressRule) error {
	return nil
}
func (g *fakeKubeGateway) DeleteIngress(ctx context.Context, namespace, name string) error { return nil }
func (g *fakeKubeGateway) EnsurePVC(ctx context.Context, namespace, name string, sizeGiB int, storageClass string) error {
	return nil
}
func (g *fakeKubeGateway) DeletePVC(ctx context.Context, namespace, name string) error { return nil }
func (g *fakeKubeGateway) DeploymentReadiness(ctx context.Context, namespace, name string) (*kube.PodReadiness, error) {
	return &kube.PodReadiness{DesiredReplicas: 1, ReadyReplicas: 1}, nil
}
func (g *fakeKubeGateway) ApplyManifestBundle(ctx context.Context, namespace string, objects []kube.RawObject) error {
	return nil
}
func (g *fakeKubeGateway) ApplyUnstructured(ctx context.Context, gvr kube.GroupVersionResource, namespace string, obj map[string]any) error {
	return nil
}

var _ orchestrator.KubeGateway = (*fakeKubeGateway)(nil)

type fakeHelmEngine struct {
	mu        sync.Mutex
	installed map[string]bool
}

func (h *fakeHelmEngine) InstallOrUpgrade(ctx context.Context, releaseName, namespace string, chart helmengine.ChartRef, valuesYAML string, timeout time.Duration) (*release.Release, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installed[releaseName] = true
	return &release.Release{Name: releaseName, Namespace: namespace}, nil
}
func (h *fakeHelmEngine) Uninstall(ctx context.Context, releaseName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.installed, releaseName)
	return nil
}
func (h *fakeHelmEngine) GetRelease(ctx context.Context, releaseName string) (*release.Release, error) {
	return &release.Release{Name: releaseName}, nil
}

var _ orchestrator.HelmEngine = (*fakeHelmEngine)(nil)

type fakeClientFactory struct{}

func (f *fakeClientFactory) SSHRunner(host, user string, privateKeyPEM []byte) (remoteexec.Runner, error) {
	return &fakeSSHRunner{}, nil
}
func (f *fakeClientFactory) KubeGateway(kubeconfig []byte) (orchestrator.KubeGateway, error) {
	return &fakeKubeGateway{}, nil
}
func (f *fakeClientFactory) HelmEngine(kubeconfig []byte, namespace string) (orchestrator.HelmEngine, error) {
	return &fakeHelmEngine{installed: map[string]bool{}}, nil
}

var _ orchestrator.ClusterClientFactory = (*fakeClientFactory)(nil)

// fakeHealthCheckClient never dials out; it echoes back a canned status so
// proxyHealthCheck tests don't depend on network access.
type fakeHealthCheckClient struct {
	status int
	err    error
}

func (f *fakeHealthCheckClient) Get(ctx context.Context, targetURL string) (int, error) {
	return f.status, f.err
}

var _ healthCheckClient = (*fakeHealthCheckClient)(nil)

// testStack bundles everything newTestServer wires together so tests can
// reach into the store directly (e.g. to flip a volume's InUse flag).
type testStack struct {
	server   *Server
	store    *store.GormStore
	provider *fakeProvider
}

func newTestServer(dsn string) (*testStack, error) {
	s, err := store.Open(dsn)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	fp := newFakeProvider()
	registry.Register("fake", func(credentials map[string]string) (provider.Provider, error) { return fp, nil })

	cat := catalog.New(catalog.BuiltinApplications(), nil)
	orch := orchestrator.New(s, registry, cat, &fakeClientFactory{})

	srv := New(s, orch, cat, registry, true)
	srv.healthCheck = &fakeHealthCheckClient{status: 200}

	return &testStack{server: srv, store: s, provider: fp}, nil
}
