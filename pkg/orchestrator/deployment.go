package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/datainfrapilot/datainfrapilot/pkg/catalog"
	"github.com/datainfrapilot/datainfrapilot/pkg/helmengine"
	"github.com/datainfrapilot/datainfrapilot/pkg/kube"
	"github.com/datainfrapilot/datainfrapilot/pkg/log"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/datainfrapilot/datainfrapilot/pkg/remoteexec"
	"github.com/datainfrapilot/datainfrapilot/pkg/render"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

const (
	defaultServicePort = 80
	helmInstallTimeout = HelmInstallDeadline
)

// clusterKubeconfig re-fetches a running cluster's kubeconfig over SSH
// rather than persisting it: the control plane is the source of truth, and
// the cluster's stored SSH credentials already let any worker reach it.
func (o *Orchestrator) clusterKubeconfig(ctx context.Context, cluster *types.Cluster) (string, error) {
	sshPrivateKey := []byte(cluster.ProviderConfig["ssh_private_key"])
	runner, err := o.clients.SSHRunner(cluster.AccessIP, sshUser, sshPrivateKey)
	if err != nil {
		return "", fmt.Errorf("open ssh to control plane: %w", err)
	}
	var kubeconfig string
	err = withSSHDeadline(ctx, func(c context.Context) error {
		var err error
		kubeconfig, err = remoteexec.FetchKubeconfig(c, runner, cluster.AccessIP)
		return err
	})
	return kubeconfig, err
}

// FetchKubeconfig re-fetches cluster's kubeconfig for read-only REST
// queries (GET /clusters/{id}/kubeconfig); the caller is responsible for
// checking the cluster is running before calling this.
func (o *Orchestrator) FetchKubeconfig(ctx context.Context, cluster *types.Cluster) (string, error) {
	return o.clusterKubeconfig(ctx, cluster)
}

// GetDeploymentCredentials reads a running deployment's first-login
// username/password from its chart-managed secret, per the application's
// catalog-declared convention. It is a pure read and bypasses the
// per-cluster command queue entirely.
func (o *Orchestrator) GetDeploymentCredentials(ctx context.Context, clusterID, deploymentID string) (username, password string, err error) {
	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: load cluster %s: %w", clusterID, err)
	}
	deployment, err := o.store.GetDeployment(ctx, clusterID, deploymentID)
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: load deployment %s: %w", deploymentID, err)
	}
	app, err := o.catalog.Get(deployment.ApplicationID)
	if err != nil {
		return "", "", err
	}
	if app.Credentials == nil {
		return "", "", fmt.Errorf("%s exposes no first-login credentials", app.DisplayName)
	}

	kubeconfig, err := o.clusterKubeconfig(ctx, cluster)
	if err != nil {
		return "", "", fmt.Errorf("fetch kubeconfig: %w", err)
	}
	gw, err := o.clients.KubeGateway([]byte(kubeconfig))
	if err != nil {
		return "", "", fmt.Errorf("build kubernetes client: %w", err)
	}

	namespace := deploymentNamespace(deployment)
	secretName := deployment.Name + app.Credentials.SecretNameSuffix
	secret, err := gw.GetSecret(ctx, namespace, secretName)
	if err != nil {
		return "", "", fmt.Errorf("read credentials secret %s/%s: %w", namespace, secretName, err)
	}

	username = app.Credentials.Username
	if username == "" {
		username = string(secret[app.Credentials.UsernameKey])
	}
	password = string(secret[app.Credentials.PasswordKey])
	if password == "" {
		return "", "", fmt.Errorf("credentials secret %s/%s has no %q key", namespace, secretName, app.Credentials.PasswordKey)
	}
	return username, password, nil
}

// controlPlaneServer resolves the single control-plane server the cluster's
// provider-backed volumes attach to; data volumes are mounted on the control
// plane node rather than tracked per worker, since a deployment's pool
// assignment can change across updates but its volume bindings persist.
func (o *Orchestrator) controlPlaneServer(ctx context.Context, drv provider.Provider, clusterID string) (*provider.Server, error) {
	servers, err := withProviderDeadline(ctx, func(c context.Context) ([]*provider.Server, error) {
		return drv.ListServersByLabel(c, clusterID)
	})
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if s.Labels["dip/role"] == string(provider.RoleControlPlane) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no control-plane server found for cluster %s", clusterID)
}

func deploymentNamespace(d *types.Deployment) string {
	if d.Namespace != "" {
		return d.Namespace
	}
	return "dip-" + d.Name
}

// runInstallDeployment drives both the initial install and later updates of
// an application onto a running cluster: validate, ensure namespace and
// volumes, render and install the chart (or raw manifest), then ensure
// ingress for every enabled endpoint.
func (o *Orchestrator) runInstallDeployment(ctx context.Context, clusterID, deploymentID string, isUpdate bool) error {
	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("orchestrator: load cluster %s: %w", clusterID, err)
	}
	deployment, err := o.store.GetDeployment(ctx, clusterID, deploymentID)
	if err != nil {
		return fmt.Errorf("orchestrator: load deployment %s: %w", deploymentID, err)
	}
	logger := log.WithDeploymentID(deploymentID)
	logger.Info().Bool("update", isUpdate).Msg("deployment install starting")

	app, err := o.catalog.Get(deployment.ApplicationID)
	if err != nil {
		return o.failDeployment(ctx, deploymentID, "resolve application", err)
	}
	if errs := catalog.Validate(app, deployment.Config); len(errs) > 0 {
		return o.failDeployment(ctx, deploymentID, "validate config", fmt.Errorf("%d config errors, first: %s", len(errs), errs[0].String()))
	}

	for _, endpoint := range deployment.Endpoints {
		if !endpoint.Enabled {
			continue
		}
		conflict, err := o.store.EndpointExists(ctx, clusterID, endpoint.AccessType, endpoint.Value, deploymentID)
		if err != nil {
			return o.failDeployment(ctx, deploymentID, "validate endpoint uniqueness", err)
		}
		if conflict {
			return o.failDeployment(ctx, deploymentID, "validate endpoint uniqueness",
				fmt.Errorf("endpoint %s=%s already in use on this cluster", endpoint.AccessType, endpoint.Value))
		}
	}
	if needsDomain(deployment.Endpoints) && cluster.Domain == "" {
		return o.failDeployment(ctx, deploymentID, "validate endpoint uniqueness",
			fmt.Errorf("deployment requires a domain_path or subdomain endpoint but cluster has no domain configured"))
	}

	kubeconfig, err := o.clusterKubeconfig(ctx, cluster)
	if err != nil {
		return o.failDeployment(ctx, deploymentID, "fetch kubeconfig", err)
	}
	gw, err := o.clients.KubeGateway([]byte(kubeconfig))
	if err != nil {
		return o.failDeployment(ctx, deploymentID, "build kubernetes client", err)
	}

	namespace := deploymentNamespace(deployment)
	if err := gw.EnsureNamespace(ctx, namespace); err != nil {
		return o.failDeployment(ctx, deploymentID, "ensure namespace", err)
	}

	if len(deployment.VolumeBindings) > 0 {
		drv, err := o.providers.Get(cluster.Provider, cluster.ProviderConfig)
		if err != nil {
			return o.failDeployment(ctx, deploymentID, "resolve provider", err)
		}
		cpServer, err := o.controlPlaneServer(ctx, drv, clusterID)
		if err != nil {
			return o.failDeployment(ctx, deploymentID, "resolve control-plane server", err)
		}

		for i := range deployment.VolumeBindings {
			binding := &deployment.VolumeBindings[i]
			volume, err := o.store.GetVolumeByName(ctx, binding.VolumeName)
			if err != nil {
				return o.failDeployment(ctx, deploymentID, "load volume", err)
			}
			if volume.ProviderID == "" {
				created, err := withProviderDeadline(ctx, func(c context.Context) (*provider.Volume, error) {
					return drv.CreateVolume(c, provider.VolumeSpec{
						Name: volume.Name, SizeGiB: volume.SizeGiB, Region: volume.RegionID,
						Labels: provider.Labels{ClusterID: clusterID},
					})
				})
				if err != nil {
					return o.failDeployment(ctx, deploymentID, "create provider volume", err)
				}
				if err := o.store.SetVolumeProvider(ctx, volume.Name, created.ID, types.StatusRunning); err != nil {
					return o.failDeployment(ctx, deploymentID, "persist provider volume", err)
				}
				volume.ProviderID = created.ID
			}
			if err := withProviderDeadlineVoid(ctx, func(c context.Context) error {
				return drv.AttachVolume(c, volume.ProviderID, cpServer.ID)
			}); err != nil {
				return o.failDeployment(ctx, deploymentID, "attach volume", err)
			}

			binding.VolumeID = volume.ProviderID
			if binding.PVCName == "" {
				binding.PVCName = fmt.Sprintf("%s-%s", deployment.Name, binding.VolumeName)
			}
			size := volumeRequirementSize(app, binding.VolumeName)
			if err := gw.EnsurePVC(ctx, namespace, binding.PVCName, size, kube.HetznerStorageClass); err != nil {
				return o.failDeployment(ctx, deploymentID, "ensure volume", err)
			}
			if err := o.store.SetVolumeInUse(ctx, binding.VolumeName, true); err != nil {
				log.Error(fmt.Sprintf("orchestrator: mark volume %s in use: %v", binding.VolumeName, err))
			}
		}
	}

	if deployment.ApplicationID == "airflow" {
		if err := o.installAirflowExtras(ctx, gw, namespace, deployment); err != nil {
			return o.failDeployment(ctx, deploymentID, "install airflow extras", err)
		}
	}

	if err := o.installApplication(ctx, gw, cluster, deployment, app, namespace, kubeconfig); err != nil {
		return o.failDeployment(ctx, deploymentID, "install application", err)
	}

	for _, endpoint := range deployment.Endpoints {
		if !endpoint.Enabled {
			continue
		}
		if endpoint.Name == "flower" && !flowerEnabled(deployment.Config) {
			continue
		}
		rule := buildIngressRule(cluster, endpoint, deployment.Name)
		if err := gw.EnsureIngress(ctx, namespace, endpoint.Name, rule); err != nil {
			return o.failDeployment(ctx, deploymentID, "ensure ingress", err)
		}
	}

	if err := o.store.UpdateDeployment(ctx, deployment); err != nil {
		return o.failDeployment(ctx, deploymentID, "persist volume bindings", err)
	}
	if err := o.store.UpdateDeploymentStatus(ctx, deploymentID, types.StatusRunning, ""); err != nil {
		return fmt.Errorf("orchestrator: persist deployment status: %w", err)
	}
	logger.Info().Msg("deployment install complete")
	return nil
}

// installApplication installs the chart (C5) when the catalog descriptor
// names one, or applies the application's raw manifest (Spark) otherwise.
func (o *Orchestrator) installApplication(ctx context.Context, gw KubeGateway, cluster *types.Cluster, deployment *types.Deployment, app *types.Application, namespace, kubeconfig string) error {
	if app.HelmChart != nil {
		valuesTemplate := render.GenericHelmValuesTemplate
		if app.ID == "airflow" {
			valuesTemplate = render.AirflowValuesTemplate
		}
		valuesYAML, err := render.Render(app.ID+"-values", valuesTemplate, map[string]any{"Config": deployment.Config})
		if err != nil {
			return fmt.Errorf("render values: %w", err)
		}

		helm, err := o.clients.HelmEngine([]byte(kubeconfig), namespace)
		if err != nil {
			return fmt.Errorf("build helm client: %w", err)
		}
		chart := helmengine.ChartRef{ChartName: app.HelmChart.ChartName, RepoURL: app.HelmChart.RepoURL, Version: versionOf(deployment.Config)}
		_, err = helm.InstallOrUpgrade(ctx, deployment.Name, namespace, chart, valuesYAML, helmInstallTimeout)
		return err
	}

	switch app.ID {
	case "spark":
		manifest, err := render.Render("spark-application", render.SparkApplicationManifest, map[string]any{
			"Name":      deployment.Name,
			"Namespace": namespace,
			"Config":    deployment.Config,
		})
		if err != nil {
			return fmt.Errorf("render spark manifest: %w", err)
		}
		docs, err := kube.ParseMultiDocYAML(manifest)
		if err != nil {
			return err
		}
		gvr := kube.GroupVersionResource{Group: "sparkoperator.k8s.io", Version: "v1beta2", Resource: "sparkapplications"}
		for _, doc := range docs {
			if err := gw.ApplyUnstructured(ctx, gvr, namespace, doc); err != nil {
				return fmt.Errorf("apply spark application: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("application %s declares neither a helm chart nor a known raw manifest path", app.ID)
	}
}

// installAirflowExtras materializes the per-application policy from §4.7:
// a DAG SSH-key secret only when the repository is private, and an image
// pull secret when a custom image is configured.
func (o *Orchestrator) installAirflowExtras(ctx context.Context, gw KubeGateway, namespace string, deployment *types.Deployment) error {
	private, _ := deployment.Config["dags_repository_private"].(bool)
	if private {
		sshKey, _ := deployment.Config["dags_repository_ssh_key"].(string)
		if sshKey == "" {
			return fmt.Errorf("dags_repository_private is true but dags_repository_ssh_key is empty")
		}
		if err := gw.EnsureSecret(ctx, namespace, deployment.Name+"-dags-ssh-key", map[string][]byte{"id_rsa": []byte(sshKey)}, "Opaque"); err != nil {
			return fmt.Errorf("create dags ssh key secret: %w", err)
		}
	}

	customImage, _ := deployment.Config["custom_image_enabled"].(bool)
	if customImage {
		registry, _ := deployment.Config["custom_image_registry"].(string)
		if err := gw.EnsureSecret(ctx, namespace, deployment.Name+"-image-pull", map[string][]byte{
			".dockerconfigjson": []byte(fmt.Sprintf(`{"auths":{%q:{}}}`, registry)),
		}, "kubernetes.io/dockerconfigjson"); err != nil {
			return fmt.Errorf("create image pull secret: %w", err)
		}
	}
	return nil
}

// runDeleteDeployment uninstalls the Helm release (when the application has
// a chart), removes ingresses and PVCs, detaches and releases bound volumes,
// and removes the namespace and row. A failure to fetch the kubeconfig,
// build a client or uninstall the release marks the deployment failed and
// stops there; failures in the later cleanup steps are logged and deletion
// continues.
func (o *Orchestrator) runDeleteDeployment(ctx context.Context, clusterID, deploymentID string) error {
	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("orchestrator: load cluster %s: %w", clusterID, err)
	}
	deployment, err := o.store.GetDeployment(ctx, clusterID, deploymentID)
	if err != nil {
		return fmt.Errorf("orchestrator: load deployment %s: %w", deploymentID, err)
	}
	logger := log.WithDeploymentID(deploymentID)
	logger.Info().Msg("deployment deletion starting")

	kubeconfig, err := o.clusterKubeconfig(ctx, cluster)
	if err != nil {
		return o.failDeployment(ctx, deploymentID, "fetch kubeconfig", err)
	}
	gw, err := o.clients.KubeGateway([]byte(kubeconfig))
	if err != nil {
		return o.failDeployment(ctx, deploymentID, "build kubernetes client", err)
	}
	namespace := deploymentNamespace(deployment)

	app, err := o.catalog.Get(deployment.ApplicationID)
	if err == nil && app.HelmChart != nil {
		helm, err := o.clients.HelmEngine([]byte(kubeconfig), namespace)
		if err != nil {
			return o.failDeployment(ctx, deploymentID, "build helm client", err)
		}
		if err := helm.Uninstall(ctx, deployment.Name); err != nil {
			return o.failDeployment(ctx, deploymentID, "uninstall release", err)
		}
	}

	for _, endpoint := range deployment.Endpoints {
		if err := gw.DeleteIngress(ctx, namespace, endpoint.Name); err != nil {
			logger.Error().Err(err).Str("endpoint", endpoint.Name).Msg("delete ingress failed, continuing")
		}
	}
	var drv provider.Provider
	if len(deployment.VolumeBindings) > 0 {
		drv, err = o.providers.Get(cluster.Provider, cluster.ProviderConfig)
		if err != nil {
			logger.Error().Err(err).Msg("resolve provider for volume detach failed, continuing")
		}
	}
	for _, binding := range deployment.VolumeBindings {
		if binding.PVCName != "" {
			if err := gw.DeletePVC(ctx, namespace, binding.PVCName); err != nil {
				logger.Error().Err(err).Str("pvc", binding.PVCName).Msg("delete pvc failed, continuing")
			}
		}
		if drv != nil && binding.VolumeID != "" {
			if err := withProviderDeadlineVoid(ctx, func(c context.Context) error { return drv.DetachVolume(c, binding.VolumeID) }); err != nil {
				logger.Error().Err(err).Str("volume", binding.VolumeName).Msg("detach volume failed, continuing")
			}
		}
		if err := o.store.SetVolumeInUse(ctx, binding.VolumeName, false); err != nil {
			log.Error(fmt.Sprintf("orchestrator: release volume %s: %v", binding.VolumeName, err))
		}
	}
	if err := gw.DeleteNamespace(ctx, namespace); err != nil {
		logger.Error().Err(err).Msg("delete namespace failed, continuing")
	}

	if err := o.store.DeleteDeployment(ctx, deploymentID); err != nil {
		return fmt.Errorf("orchestrator: delete deployment row: %w", err)
	}
	logger.Info().Msg("deployment deletion complete")
	return nil
}

func needsDomain(endpoints []types.AccessEndpoint) bool {
	for _, e := range endpoints {
		if e.Enabled && (e.AccessType == types.AccessTypeSubdomain || e.AccessType == types.AccessTypeDomainPath) {
			return true
		}
	}
	return false
}

func buildIngressRule(cluster *types.Cluster, endpoint types.AccessEndpoint, serviceName string) kube.IngressRule {
	switch endpoint.AccessType {
	case types.AccessTypeSubdomain:
		return kube.IngressRule{Host: endpoint.Value + "." + cluster.Domain, Path: "/", ServiceName: serviceName, ServicePort: defaultServicePort}
	case types.AccessTypeDomainPath:
		return kube.IngressRule{Host: cluster.Domain, Path: normalizePath(endpoint.Value), ServiceName: serviceName, ServicePort: defaultServicePort}
	default: // AccessTypeClusterIPPath
		return kube.IngressRule{Host: cluster.AccessIP, Path: normalizePath(endpoint.Value), ServiceName: serviceName, ServicePort: defaultServicePort}
	}
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func volumeRequirementSize(app *types.Application, name string) int {
	for _, req := range app.VolumeRequirements {
		if req.Name == name {
			return req.DefaultSize
		}
	}
	return 10
}

func versionOf(config map[string]any) string {
	v, _ := config["version"].(string)
	return v
}

// flowerEnabled mirrors render.AirflowValuesTemplate's gate on the chart's
// own flower.enabled value: the ingress must never be created for a
// combination the chart itself refuses to expose.
func flowerEnabled(config map[string]any) bool {
	executor, _ := config["executor"].(string)
	enabled, _ := config["flower_enabled"].(bool)
	return executor == "CeleryExecutor" && enabled
}
