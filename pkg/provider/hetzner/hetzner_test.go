package hetzner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, handler http.HandlerFunc) *Driver {
	t.Helper()
	// The Hetzner API labels its bodies application/json; resty decodes
	// result and error bodies only for a JSON content type.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	d := New("test-token")
	d.client.SetBaseURL(srv.URL)
	return d
}

func TestCreateServer(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/servers", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"server": map[string]any{
				"id":     1,
				"name":   "prod-control-plane",
				"status": "running",
				"public_net": map[string]any{
					"ipv4": map[string]any{"ip": "1.2.3.4"},
				},
				"labels": map[string]string{"dip/cluster": "c1"},
			},
		})
	})

	server, err := d.CreateServer(context.Background(), provider.ServerSpec{
		Name:     "prod-control-plane",
		NodeType: "cx22",
		Region:   "fsn1",
		SSHKeyID: "99",
		Labels:   provider.Labels{ClusterID: "c1", Role: provider.RoleControlPlane, Pool: "control-plane"},
	})
	require.NoError(t, err)
	require.Equal(t, "1", server.ID)
	require.Equal(t, "1.2.3.4", server.PublicIP)
}

func TestCreateServerAdoptsOnUniquenessError(t *testing.T) {
	calls := 0
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "uniqueness_error", "message": "server name already used"},
			})
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"servers": []map[string]any{
					{"id": 7, "name": "prod-control-plane", "status": "running"},
				},
			})
		}
	})

	server, err := d.CreateServer(context.Background(), provider.ServerSpec{Name: "prod-control-plane", NodeType: "cx22", Region: "fsn1"})
	require.NoError(t, err)
	require.Equal(t, "7", server.ID)
	require.GreaterOrEqual(t, calls, 2)
}

func TestCreateServerAuthError(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "unauthorized", "message": "invalid token"},
		})
	})

	_, err := d.CreateServer(context.Background(), provider.ServerSpec{Name: "x", NodeType: "cx22", Region: "fsn1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "authentication error")
}

func TestListServersByLabel(t *testing.T) {
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "dip/cluster=c1", r.URL.Query().Get("label_selector"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"servers": []map[string]any{
				{"id": 1, "name": "a"},
				{"id": 2, "name": "b"},
			},
		})
	})

	servers, err := d.ListServersByLabel(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, servers, 2)
}

func TestTeardownByLabelDeletesEverything(t *testing.T) {
	deleted := map[string]int{}
	d := newTestDriver(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted[r.URL.Path]++
			w.WriteHeader(http.StatusOK)
			return
		}
		switch r.URL.Path {
		case "/servers":
			_ = json.NewEncoder(w).Encode(map[string]any{"servers": []map[string]any{{"id": 1, "name": "s1"}}})
		case "/volumes":
			_ = json.NewEncoder(w).Encode(map[string]any{"volumes": []map[string]any{{"volume": map[string]any{"id": 2, "name": "v1"}}}})
		case "/networks":
			_ = json.NewEncoder(w).Encode(map[string]any{"networks": []map[string]any{{"network": map[string]any{"id": 3}}}})
		case "/firewalls":
			_ = json.NewEncoder(w).Encode(map[string]any{"firewalls": []map[string]any{{"firewall": map[string]any{"id": 4}}}})
		}
	})

	err := d.TeardownByLabel(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 1, deleted["/servers/1"])
	require.Equal(t, 1, deleted["/volumes/2"])
	require.Equal(t, 1, deleted["/networks/3"])
	require.Equal(t, 1, deleted["/firewalls/4"])
}
