package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func validClusterCreate(name string) ClusterCreate {
	count := 1
	return ClusterCreate{
		Name:           name,
		Provider:       "fake",
		ProviderConfig: map[string]string{"api_token": "tok"},
		K3sVersion:     "v1.30.4+k3s1",
		Pools: []PoolCreate{
			{Name: "control-plane", Role: types.PoolRoleControlPlane, NodeType: "cpx21", Region: "fsn1", Count: &count},
			{Name: "workers", Role: types.PoolRoleWorker, NodeType: "cpx21", Region: "fsn1", Count: &count},
		},
	}
}

func TestCreateClusterValidation(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	cases := []struct {
		name string
		req  ClusterCreate
	}{
		{"bad name", func() ClusterCreate { c := validClusterCreate("Bad_Name!"); return c }()},
		{"unknown provider", func() ClusterCreate { c := validClusterCreate("cluster-a"); c.Provider = "digitalocean"; return c }()},
		{"no control plane pool", func() ClusterCreate {
			c := validClusterCreate("cluster-b")
			c.Pools = []PoolCreate{c.Pools[1]}
			return c
		}()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, engine, http.MethodPost, "/api/v1/clusters", tc.req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateAndGetCluster(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	rec := doJSON(t, engine, http.MethodPost, "/api/v1/clusters", validClusterCreate("cluster-happy"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, string(types.StatusCreating), created["status"])

	clusters, err := stack.store.ListClusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	id := clusters[0].ID

	rec = doJSON(t, engine, http.MethodGet, "/api/v1/clusters/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Cluster
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Nil(t, got.ProviderConfig)
}

func TestGetClusterNotFound(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	rec := doJSON(t, stack.server.Engine(), http.MethodGet, "/api/v1/clusters/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDeploymentValidation(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	rec := doJSON(t, engine, http.MethodPost, "/api/v1/clusters", validClusterCreate("cluster-dep"))
	require.Equal(t, http.StatusCreated, rec.Code)
	clusters, err := stack.store.ListClusters(context.Background())
	require.NoError(t, err)
	clusterID := clusters[0].ID

	// Cluster is still creating, not running: deployment creation must be rejected.
	rec = doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments", DeploymentCreate{
		Name: "airflow-1", ApplicationID: "airflow", Config: map[string]any{},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, stack.store.UpdateClusterStatus(context.Background(), clusterID, types.StatusRunning, ""))

	// Now running, but config is missing required fields.
	rec = doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments", DeploymentCreate{
		Name: "airflow-1", ApplicationID: "airflow", Config: map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown application.
	rec = doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments", DeploymentCreate{
		Name: "x", ApplicationID: "nonexistent", Config: map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDeploymentHappyPath(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	doJSON(t, engine, http.MethodPost, "/api/v1/clusters", validClusterCreate("cluster-dep2"))
	clusters, err := stack.store.ListClusters(context.Background())
	require.NoError(t, err)
	clusterID := clusters[0].ID
	require.NoError(t, stack.store.UpdateClusterStatus(context.Background(), clusterID, types.StatusRunning, ""))

	rec := doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments", DeploymentCreate{
		Name:          "airflow-1",
		ApplicationID: "airflow",
		Config: map[string]any{
			"version":             "2.9.0",
			"executor":            "KubernetesExecutor",
			"dags_repository_url": "https://github.com/example/dags",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCheckEndpointExistence(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	doJSON(t, engine, http.MethodPost, "/api/v1/clusters", validClusterCreate("cluster-ep"))
	clusters, err := stack.store.ListClusters(context.Background())
	require.NoError(t, err)
	clusterID := clusters[0].ID

	rec := doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments/check-endpoint-existence", EndpointConfig{
		Name: "webserver", AccessType: types.AccessTypeSubdomain, Value: "Airflow",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp["exists"])
}

func TestVolumeLifecycle(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	rec := doJSON(t, engine, http.MethodPost, "/api/v1/volumes", VolumeCreate{
		Name: "shared-data", SizeGiB: 10, RegionID: "fsn1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var vol types.Volume
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vol))

	rec = doJSON(t, engine, http.MethodGet, "/api/v1/volumes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, stack.store.SetVolumeInUse(context.Background(), vol.Name, true))
	rec = doJSON(t, engine, http.MethodDelete, "/api/v1/volumes/"+vol.ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, stack.store.SetVolumeInUse(context.Background(), vol.Name, false))
	rec = doJSON(t, engine, http.MethodDelete, "/api/v1/volumes/"+vol.ID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateDeploymentWithNewVolumeBinding(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	doJSON(t, engine, http.MethodPost, "/api/v1/clusters", validClusterCreate("cluster-vol"))
	clusters, err := stack.store.ListClusters(context.Background())
	require.NoError(t, err)
	clusterID := clusters[0].ID
	require.NoError(t, stack.store.UpdateClusterStatus(context.Background(), clusterID, types.StatusRunning, ""))

	rec := doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments", DeploymentCreate{
		Name:          "airflow-vol",
		ApplicationID: "airflow",
		Config: map[string]any{
			"version":             "2.9.0",
			"executor":            "KubernetesExecutor",
			"dags_repository_url": "https://github.com/example/dags",
		},
		VolumeBindings: []VolumeBindingCreate{{VolumeName: "airflow-dags", CreateNew: true, SizeGiB: 20}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	vol, err := stack.store.GetVolumeByName(context.Background(), "airflow-dags")
	require.NoError(t, err)
	require.Equal(t, 20, vol.SizeGiB)
	require.Equal(t, "fsn1", vol.RegionID) // derived from the control-plane pool's region

	// An out-of-range size is rejected before any volume row is created.
	rec = doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments", DeploymentCreate{
		Name:          "airflow-vol-2",
		ApplicationID: "airflow",
		Config: map[string]any{
			"version":             "2.9.0",
			"executor":            "KubernetesExecutor",
			"dags_repository_url": "https://github.com/example/dags",
		},
		Endpoints:      []EndpointConfig{{Name: "webserver", AccessType: types.AccessTypeSubdomain, Value: "airflow-2", Enabled: true}},
		VolumeBindings: []VolumeBindingCreate{{VolumeName: "too-big", CreateNew: true, SizeGiB: 5000}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Referencing an existing volume that doesn't exist is a 404.
	rec = doJSON(t, engine, http.MethodPost, "/api/v1/clusters/"+clusterID+"/deployments", DeploymentCreate{
		Name:          "airflow-vol-3",
		ApplicationID: "airflow",
		Config: map[string]any{
			"version":             "2.9.0",
			"executor":            "KubernetesExecutor",
			"dags_repository_url": "https://github.com/example/dags",
		},
		Endpoints:      []EndpointConfig{{Name: "webserver", AccessType: types.AccessTypeSubdomain, Value: "airflow-3", Enabled: true}},
		VolumeBindings: []VolumeBindingCreate{{VolumeName: "does-not-exist"}},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplicationVersionsAndEndpoints(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	rec := doJSON(t, engine, http.MethodGet, "/api/v1/applications/grafana/access_endpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/api/v1/applications/does-not-exist/access_endpoints", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyHealthCheck(t *testing.T) {
	stack, err := newTestServer("file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	engine := stack.server.Engine()

	rec := doJSON(t, engine, http.MethodGet, "/api/v1/deployments/proxy-health-check?target_url=https://example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, float64(200), resp["status"])

	rec = doJSON(t, engine, http.MethodGet, "/api/v1/deployments/proxy-health-check?target_url=http://127.0.0.1:8080", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
