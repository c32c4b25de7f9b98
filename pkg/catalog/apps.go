package catalog

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

// BuiltinApplications returns the four descriptors DataInfraPilot ships
// with: Airflow, Spark, Grafana, Prefect.
func BuiltinApplications() []*types.Application {
	return []*types.Application{airflowApp(), sparkApp(), grafanaApp(), prefectApp()}
}

func airflowApp() *types.Application {
	return &types.Application{
		ID:                 "airflow",
		ShortName:          "airflow",
		DisplayName:        "Apache Airflow",
		ArtifactBundlePath: "applications/airflow",
		HelmChart: &types.HelmChartRef{
			Name:      "airflow",
			RepoURL:   "https://airflow.apache.org",
			ChartName: "airflow",
		},
		ConfigOptions: []types.ConfigOption{
			{ID: "version", Type: types.ConfigFieldSelect, Required: true, FetchedVersions: true},
			{ID: "executor", Type: types.ConfigFieldSelect, Required: true, Default: "KubernetesExecutor",
				SelectOptions: []string{"KubernetesExecutor", "CeleryExecutor"}},
			{ID: "flower_enabled", Type: types.ConfigFieldBoolean, Default: false,
				Conditional: &types.ConfigCondition{Field: "executor", Value: "CeleryExecutor"}},
			{ID: "pgbouncer_enabled", Type: types.ConfigFieldBoolean, Default: false},
			{ID: "dags_repository_url", Type: types.ConfigFieldText, Required: true},
			{ID: "dags_repository_branch", Type: types.ConfigFieldText, Default: "main"},
			{ID: "dags_repository_subpath", Type: types.ConfigFieldText, Default: ""},
			{ID: "dags_repository_private", Type: types.ConfigFieldBoolean, Default: false},
			{ID: "dags_repository_ssh_key", Type: types.ConfigFieldText,
				Conditional: &types.ConfigCondition{Field: "dags_repository_private", Value: true}},
			{ID: "custom_image_enabled", Type: types.ConfigFieldBoolean, Default: false},
			{ID: "custom_image_registry", Type: types.ConfigFieldText,
				Conditional: &types.ConfigCondition{Field: "custom_image_enabled", Value: true}},
			{ID: "custom_image_tag", Type: types.ConfigFieldText,
				Conditional: &types.ConfigCondition{Field: "custom_image_enabled", Value: true}},
		},
		VolumeRequirements: []types.VolumeRequirement{
			{Name: "dags", DefaultSize: 10, Description: "DAG storage, synced from the configured repository"},
			{Name: "logs", DefaultSize: 20, Description: "Task log storage"},
		},
		Endpoints: []types.EndpointSchema{
			{Name: "webserver", Description: "Airflow web UI", DefaultType: types.AccessTypeSubdomain, DefaultValue: "airflow", Required: true},
			{Name: "flower", Description: "Celery Flower UI", DefaultType: types.AccessTypeDomainPath, DefaultValue: "/flower", Required: false},
		},
		Credentials: &types.CredentialsSpec{SecretNameSuffix: "-webserver-secret", Username: "admin", PasswordKey: "webserver-password"},
	}
}

func sparkApp() *types.Application {
	return &types.Application{
		ID:                 "spark",
		ShortName:          "spark",
		DisplayName:        "Apache Spark",
		ArtifactBundlePath: "applications/spark",
		ConfigOptions: []types.ConfigOption{
			{ID: "version", Type: types.ConfigFieldSelect, Required: true, FetchedVersions: true},
			{ID: "min_workers", Type: types.ConfigFieldNumber, Required: true, Default: 1},
			{ID: "max_workers", Type: types.ConfigFieldNumber, Required: true, Default: 3},
		},
		VolumeRequirements: []types.VolumeRequirement{
			{Name: "events", DefaultSize: 20, Description: "Spark event log storage"},
		},
		Endpoints: []types.EndpointSchema{
			{Name: "master-ui", Description: "Spark master UI", DefaultType: types.AccessTypeSubdomain, DefaultValue: "spark", Required: true},
		},
	}
}

func grafanaApp() *types.Application {
	return &types.Application{
		ID:                 "grafana",
		ShortName:          "grafana",
		DisplayName:        "Grafana",
		ArtifactBundlePath: "applications/grafana",
		HelmChart: &types.HelmChartRef{
			Name:      "grafana",
			RepoURL:   "https://grafana.github.io/helm-charts",
			ChartName: "grafana",
		},
		ConfigOptions: []types.ConfigOption{
			{ID: "version", Type: types.ConfigFieldSelect, Required: true, FetchedVersions: true},
			{ID: "replica_count", Type: types.ConfigFieldNumber, Required: true, Default: 1},
		},
		VolumeRequirements: []types.VolumeRequirement{
			{Name: "data", DefaultSize: 10, Description: "Dashboard and plugin storage"},
		},
		Endpoints: []types.EndpointSchema{
			{Name: "ui", Description: "Grafana web UI", DefaultType: types.AccessTypeSubdomain, DefaultValue: "grafana", Required: true},
		},
		Credentials: &types.CredentialsSpec{UsernameKey: "admin-user", PasswordKey: "admin-password"},
	}
}

func prefectApp() *types.Application {
	return &types.Application{
		ID:                 "prefect",
		ShortName:          "prefect",
		DisplayName:        "Prefect",
		ArtifactBundlePath: "applications/prefect",
		HelmChart: &types.HelmChartRef{
			Name:      "prefect-server",
			RepoURL:   "https://prefecthq.github.io/prefect-helm",
			ChartName: "prefect-server",
		},
		ConfigOptions: []types.ConfigOption{
			{ID: "version", Type: types.ConfigFieldSelect, Required: true, FetchedVersions: true},
		},
		VolumeRequirements: []types.VolumeRequirement{
			{Name: "data", DefaultSize: 10, Description: "Flow run metadata storage"},
		},
		Endpoints: []types.EndpointSchema{
			{Name: "ui", Description: "Prefect UI", DefaultType: types.AccessTypeSubdomain, DefaultValue: "prefect", Required: true},
		},
	}
}

// githubRelease is the subset of GitHub's releases API response used to
// derive an application's installable version list.
type githubRelease struct {
	TagName string `json:"tag_name"`
}

// GitHubReleaseFetcher builds a VersionFetcher against a GitHub repository's
// releases API, used for Airflow ("apache/airflow") and similarly
// versioned upstreams.
func GitHubReleaseFetcher(owner, repo string) VersionFetcher {
	client := resty.New().SetBaseURL("https://api.github.com")
	return func(ctx context.Context) ([]string, error) {
		var releases []githubRelease
		resp, err := client.R().
			SetContext(ctx).
			SetResult(&releases).
			Get(fmt.Sprintf("/repos/%s/%s/releases", owner, repo))
		if err != nil {
			return nil, fmt.Errorf("catalog: fetch releases for %s/%s: %w", owner, repo, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("catalog: github releases %s/%s: status %d", owner, repo, resp.StatusCode())
		}
		versions := make([]string, 0, len(releases))
		for _, r := range releases {
			versions = append(versions, r.TagName)
		}
		return versions, nil
	}
}

// DefaultFetchers wires each built-in application's upstream version source.
func DefaultFetchers() map[string]VersionFetcher {
	return map[string]VersionFetcher{
		"airflow": GitHubReleaseFetcher("apache", "airflow"),
		"spark":   GitHubReleaseFetcher("apache", "spark"),
		"grafana": GitHubReleaseFetcher("grafana", "grafana"),
		"prefect": GitHubReleaseFetcher("PrefectHQ", "prefect"),
	}
}
