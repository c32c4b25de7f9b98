// Package helmengine is the Helm engine (C5): install-or-upgrade and
// uninstall of application releases on a target cluster, built on
// github.com/mittwald/go-helm-client (itself a thin wrapper over the same
// helm.sh/helm/v3 action package the rest of the ecosystem drives directly).
package helmengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	helmclient "github.com/mittwald/go-helm-client"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/datainfrapilot/datainfrapilot/pkg/metrics"
)

// ErrorKind categorizes a Helm failure so the orchestrator can decide
// whether to retry, fail without deleting resources, or surface a hard
// provider-level error.
type ErrorKind string

const (
	ErrorKindChartNotFound ErrorKind = "chart_not_found"
	ErrorKindTimeoutOnWait ErrorKind = "timeout_on_wait"
	ErrorKindAPIServer     ErrorKind = "api_server_error"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// Error wraps an underlying Helm error with its categorized kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("helmengine: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func classify(err error) *Error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") && strings.Contains(msg, "chart"):
		return &Error{Kind: ErrorKindChartNotFound, Err: err}
	case strings.Contains(msg, "timed out waiting") || strings.Contains(msg, "context deadline exceeded"):
		return &Error{Kind: ErrorKindTimeoutOnWait, Err: err}
	case strings.Contains(msg, "unable to connect") || strings.Contains(msg, "the server could not find") || strings.Contains(msg, "forbidden"):
		return &Error{Kind: ErrorKindAPIServer, Err: err}
	default:
		return &Error{Kind: ErrorKindUnknown, Err: err}
	}
}

// ChartRef identifies a chart to install: a local directory under the
// application's artifact bundle, or a remote chart pulled from a repo.
type ChartRef struct {
	ChartName string // local path or remote chart name
	RepoURL   string
	Version   string
}

// Engine drives Helm releases on one target cluster.
type Engine struct {
	client helmclient.Client
}

// New builds an Engine bound to the given cluster, authenticated with its
// kubeconfig. namespace is the client's default namespace; InstallOrUpgrade
// and Uninstall always take an explicit namespace per call, since one
// Engine serves every deployment on the cluster.
func New(kubeconfig []byte, namespace string) (*Engine, error) {
	client, err := helmclient.NewClientFromKubeConf(&helmclient.KubeConfClientOptions{
		KubeConfig: kubeconfig,
		Options: &helmclient.Options{
			Namespace: namespace,
			Debug:     false,
			Linting:   true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("helmengine: build client: %w", err)
	}
	return &Engine{client: client}, nil
}

// InstallOrUpgrade performs an atomic install-or-upgrade of releaseName in
// namespace using chart and valuesYAML (rendered by pkg/render), waiting up
// to timeout (the orchestrator passes the spec's 10-minute default).
func (e *Engine) InstallOrUpgrade(ctx context.Context, releaseName, namespace string, chart ChartRef, valuesYAML string, timeout time.Duration) (*release.Release, error) {
	timer := metrics.NewTimer()
	spec := &helmclient.ChartSpec{
		ReleaseName: releaseName,
		ChartName:   chart.ChartName,
		Namespace:   namespace,
		Version:     chart.Version,
		ValuesYaml:  valuesYAML,
		Atomic:      true,
		Wait:        true,
		Timeout:     timeout,
		UpgradeCRDs: true,
	}
	if chart.RepoURL != "" {
		spec.ChartName = chart.RepoURL + "/" + chart.ChartName
	}

	rel, err := e.client.InstallOrUpgradeChart(ctx, spec, nil)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.HelmOperationsTotal.WithLabelValues("install_or_upgrade", outcome).Inc()
	timer.ObserveDurationVec(metrics.OrchestratorStepDuration, "helm_install_or_upgrade", outcome)
	if err != nil {
		return nil, classify(err)
	}
	return rel, nil
}

// Uninstall removes releaseName, waiting for resources to terminate. A
// release that no longer exists is treated as already uninstalled.
func (e *Engine) Uninstall(ctx context.Context, releaseName string) error {
	err := e.client.UninstallReleaseByName(releaseName)
	outcome := "success"
	if err != nil {
		if isReleaseNotFound(err) {
			return nil
		}
		outcome = "error"
	}
	metrics.HelmOperationsTotal.WithLabelValues("uninstall", outcome).Inc()
	if err != nil {
		return classify(err)
	}
	return nil
}

// GetRelease fetches the current release status. The credentials query path
// does not call it; it relies on the deployment row's status instead.
func (e *Engine) GetRelease(ctx context.Context, releaseName string) (*release.Release, error) {
	rel, err := e.client.GetRelease(releaseName)
	if err != nil {
		return nil, classify(err)
	}
	return rel, nil
}

func isReleaseNotFound(err error) bool {
	return errors.Is(err, driver.ErrReleaseNotFound)
}
