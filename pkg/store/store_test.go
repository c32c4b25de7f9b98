package store

import (
	"context"
	"testing"

	"github.com/datainfrapilot/datainfrapilot/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCluster(name string) *types.Cluster {
	count := 1
	return &types.Cluster{
		Name:     name,
		Provider: "hetzner",
		ProviderConfig: map[string]string{
			"api_token": "super-secret-token",
		},
		K3sVersion: "v1.30.4+k3s1",
		Domain:     name + ".example.com",
		Status:     types.StatusPending,
		Pools: []types.Pool{
			{Name: "control-plane", Role: types.PoolRoleControlPlane, NodeType: "cpx21", Region: "fsn1", Count: &count},
			{Name: "workers", Role: types.PoolRoleWorker, NodeType: "cpx31", Region: "fsn1", Count: &count},
		},
	}
}

func TestCreateAndGetCluster(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := testCluster("alpha")
	require.NoError(t, s.CreateCluster(ctx, c))
	require.NotEmpty(t, c.ID)

	got, err := s.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Name)
	require.Len(t, got.Pools, 2)
	require.Equal(t, "super-secret-token", got.ProviderConfig["api_token"])
}

func TestCreateClusterDuplicateNameConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateCluster(ctx, testCluster("dup")))
	err := s.CreateCluster(ctx, testCluster("dup"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestGetClusterNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetCluster(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateClusterStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := testCluster("beta")
	require.NoError(t, s.CreateCluster(ctx, c))

	require.NoError(t, s.UpdateClusterStatus(ctx, c.ID, types.StatusRunning, ""))

	got, err := s.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, got.Status)
}

func TestDeleteClusterCascadesDeploymentsAndPools(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := testCluster("gamma")
	require.NoError(t, s.CreateCluster(ctx, c))

	d := &types.Deployment{
		ClusterID:     c.ID,
		Name:          "airflow",
		ApplicationID: "airflow",
		PoolName:      "workers",
		Status:        types.StatusPending,
		Endpoints: []types.AccessEndpoint{
			{Name: "webserver", AccessType: types.AccessTypeSubdomain, Value: "airflow.gamma.example.com", Enabled: true},
		},
	}
	require.NoError(t, s.CreateDeployment(ctx, d))

	require.NoError(t, s.DeleteCluster(ctx, c.ID))

	_, err := s.GetCluster(ctx, c.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetDeployment(ctx, c.ID, d.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEndpointExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := testCluster("delta")
	require.NoError(t, s.CreateCluster(ctx, c))

	d := &types.Deployment{
		ClusterID:     c.ID,
		Name:          "grafana",
		ApplicationID: "grafana",
		PoolName:      "workers",
		Status:        types.StatusPending,
		Endpoints: []types.AccessEndpoint{
			{Name: "ui", AccessType: types.AccessTypeSubdomain, Value: "grafana.delta.example.com", Enabled: true},
		},
	}
	require.NoError(t, s.CreateDeployment(ctx, d))

	exists, err := s.EndpointExists(ctx, c.ID, types.AccessTypeSubdomain, "grafana.delta.example.com", "")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = s.EndpointExists(ctx, c.ID, types.AccessTypeSubdomain, "grafana.delta.example.com", d.ID)
	require.NoError(t, err)
	require.False(t, exists)

	exists, err = s.EndpointExists(ctx, c.ID, types.AccessTypeSubdomain, "other.delta.example.com", "")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestVolumeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v := &types.Volume{Name: "airflow-logs", SizeGiB: 50, Status: types.StatusPending}
	require.NoError(t, s.CreateVolume(ctx, v))

	require.NoError(t, s.SetVolumeInUse(ctx, v.Name, true))
	got, err := s.GetVolumeByName(ctx, v.Name)
	require.NoError(t, err)
	require.True(t, got.InUse)

	err = s.DeleteVolume(ctx, v.ID)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.SetVolumeInUse(ctx, v.Name, false))
	require.NoError(t, s.DeleteVolume(ctx, v.ID))

	_, err = s.GetVolume(ctx, v.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
