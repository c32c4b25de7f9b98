package kube

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/require"
)

func newTestGateway() (*Gateway, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()
	return NewGatewayFromClientset(clientset), clientset
}

func TestEnsureNamespaceCreatesOnce(t *testing.T) {
	g, clientset := newTestGateway()
	ctx := context.Background()

	require.NoError(t, g.EnsureNamespace(ctx, "dip-abc"))
	require.NoError(t, g.EnsureNamespace(ctx, "dip-abc"))

	ns, err := clientset.CoreV1().Namespaces().Get(ctx, "dip-abc", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "dip-abc", ns.Name)
}

func TestEnsureSecretCreateThenUpdate(t *testing.T) {
	g, _ := newTestGateway()
	ctx := context.Background()

	require.NoError(t, g.EnsureSecret(ctx, "ns1", "creds", map[string][]byte{"password": []byte("v1")}, corev1.SecretTypeOpaque))
	data, err := g.GetSecret(ctx, "ns1", "creds")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), data["password"])

	require.NoError(t, g.EnsureSecret(ctx, "ns1", "creds", map[string][]byte{"password": []byte("v2")}, corev1.SecretTypeOpaque))
	data, err = g.GetSecret(ctx, "ns1", "creds")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data["password"])
}

func TestEnsureIngressIdempotent(t *testing.T) {
	g, _ := newTestGateway()
	ctx := context.Background()

	rule := IngressRule{Host: "grafana.example.com", ServiceName: "grafana", ServicePort: 80}
	require.NoError(t, g.EnsureIngress(ctx, "ns1", "grafana", rule))
	require.NoError(t, g.EnsureIngress(ctx, "ns1", "grafana", rule))
}

func TestEnsurePVCLeavesExistingUntouched(t *testing.T) {
	g, _ := newTestGateway()
	ctx := context.Background()

	require.NoError(t, g.EnsurePVC(ctx, "ns1", "airflow-logs", 50, ""))
	require.NoError(t, g.EnsurePVC(ctx, "ns1", "airflow-logs", 999, ""))
}

func TestDeletePVCNotFoundIsNotAnError(t *testing.T) {
	g, _ := newTestGateway()
	require.NoError(t, g.DeletePVC(context.Background(), "ns1", "does-not-exist"))
}
