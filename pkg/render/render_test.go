package render

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datainfrapilot/datainfrapilot/pkg/catalog"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

func TestRenderSubstitutesKnownFields(t *testing.T) {
	out, err := Render("t", "hello {{ .Name | upper }}", map[string]any{"Name": "prod"})
	require.NoError(t, err)
	require.Equal(t, "hello PROD", out)
}

func TestRenderRejectsUnknownVariable(t *testing.T) {
	_, err := Render("t", "hello {{ .Missing }}", map[string]any{"Name": "prod"})
	require.Error(t, err)
}

func TestControlPlaneCloudInitRenders(t *testing.T) {
	out, err := Render("cloud-init", ControlPlaneCloudInit, map[string]any{"ClusterName": "prod"})
	require.NoError(t, err)
	require.Contains(t, out, "prod-control-plane")
}

func TestWorkerCloudInitRenders(t *testing.T) {
	out, err := Render("cloud-init", WorkerCloudInit, map[string]any{"ClusterName": "prod", "PoolName": "workers", "Index": 1})
	require.NoError(t, err)
	require.Contains(t, out, "prod-workers-1")
}

func TestAirflowValuesTemplateRendersMinimalConfig(t *testing.T) {
	app := airflowApp(t)
	config := catalog.ApplyDefaults(app, map[string]any{
		"executor":            "KubernetesExecutor",
		"dags_repository_url": "https://github.com/org/repo",
	})
	out, err := Render("airflow-values", AirflowValuesTemplate, map[string]any{"Config": config})
	require.NoError(t, err)
	require.Contains(t, out, "executor: KubernetesExecutor")
	require.Contains(t, out, "branch: \"main\"")
	require.NotContains(t, out, "flower:")
}

func TestAirflowValuesTemplateRendersCeleryWithFlower(t *testing.T) {
	app := airflowApp(t)
	config := catalog.ApplyDefaults(app, map[string]any{
		"executor":            "CeleryExecutor",
		"dags_repository_url": "https://github.com/org/repo",
		"flower_enabled":      true,
	})
	out, err := Render("airflow-values", AirflowValuesTemplate, map[string]any{"Config": config})
	require.NoError(t, err)
	require.Contains(t, out, "flower:\n  enabled: true")
}

func airflowApp(t *testing.T) *types.Application {
	t.Helper()
	for _, app := range catalog.BuiltinApplications() {
		if app.ID == "airflow" {
			return app
		}
	}
	t.Fatal("airflow application not found in builtin catalog")
	return nil
}
