package orchestrator

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"

	"github.com/datainfrapilot/datainfrapilot/pkg/kube"
	"github.com/datainfrapilot/datainfrapilot/pkg/log"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/datainfrapilot/datainfrapilot/pkg/remoteexec"
	"github.com/datainfrapilot/datainfrapilot/pkg/render"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

const (
	sshUser           = "root"
	maxParallelJoins  = 4
	traefikAuthSecret = "traefik-dashboard-auth"
	hetznerCSISecret  = "hcloud-csi"
)

// runCreateCluster drives the nine-step creation sequence described for the
// "creating" status: SSH key and firewall, control-plane server and k3s
// install, worker pools joined in parallel, addons, then running.
func (o *Orchestrator) runCreateCluster(ctx context.Context, clusterID string) error {
	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("orchestrator: load cluster %s: %w", clusterID, err)
	}
	logger := log.WithClusterID(clusterID)
	logger.Info().Msg("cluster creation starting")

	drv, err := o.providers.Get(cluster.Provider, cluster.ProviderConfig)
	if err != nil {
		return o.failCluster(ctx, clusterID, "resolve provider", err)
	}

	controlPlanePool, workerPools, err := splitPools(cluster.Pools)
	if err != nil {
		return o.failCluster(ctx, clusterID, "validate pools", err)
	}

	sshPublicKey := cluster.ProviderConfig["ssh_public_key"]
	sshPrivateKey := []byte(cluster.ProviderConfig["ssh_private_key"])

	sshKeyID, err := withProviderDeadline(ctx, func(c context.Context) (string, error) {
		return drv.EnsureSSHKey(c, clusterID, cluster.Name+"-key", sshPublicKey)
	})
	if err != nil {
		return o.failCluster(ctx, clusterID, "ensure ssh key", err)
	}

	_, err = withProviderDeadline(ctx, func(c context.Context) (string, error) {
		return drv.EnsureFirewall(c, clusterID, cluster.Name+"-fw", provider.FirewallRules{
			AllowSSHFrom:    []string{"0.0.0.0/0"},
			AllowAPIFrom:    []string{"0.0.0.0/0"},
			AllowNodeToNode: true,
		})
	})
	if err != nil {
		return o.failCluster(ctx, clusterID, "ensure firewall", err)
	}

	if _, err := withProviderDeadline(ctx, func(c context.Context) (string, error) {
		return drv.EnsureNetwork(c, clusterID, cluster.Name+"-net", "10.0.0.0/16")
	}); err != nil {
		return o.failCluster(ctx, clusterID, "ensure network", err)
	}

	cpCloudInit, err := render.Render("control-plane-cloud-init", render.ControlPlaneCloudInit, map[string]any{
		"ClusterName": cluster.Name,
	})
	if err != nil {
		return o.failCluster(ctx, clusterID, "render control plane cloud-init", err)
	}

	cpServer, err := withProviderDeadline(ctx, func(c context.Context) (*provider.Server, error) {
		return drv.CreateServer(c, provider.ServerSpec{
			Name:           fmt.Sprintf("%s-%s", cluster.Name, controlPlanePool.Name),
			NodeType:       controlPlanePool.NodeType,
			Region:         controlPlanePool.Region,
			SSHKeyID:       sshKeyID,
			UserData:       cpCloudInit,
			Labels:         provider.Labels{ClusterID: clusterID, Role: provider.RoleControlPlane, Pool: controlPlanePool.Name},
			IdempotencyKey: clusterID + ":" + controlPlanePool.Name,
		})
	})
	if err != nil {
		return o.failCluster(ctx, clusterID, "create server: control-plane", err)
	}

	cpRunner, err := o.clients.SSHRunner(cpServer.PublicIP, sshUser, sshPrivateKey)
	if err != nil {
		return o.failCluster(ctx, clusterID, "open ssh to control plane", err)
	}

	if err := withSSHDeadline(ctx, func(c context.Context) error { return remoteexec.WaitForCloudInit(c, cpRunner) }); err != nil {
		return o.failCluster(ctx, clusterID, "wait for cloud-init: control-plane", err)
	}

	var token string
	if err := withK3sDeadline(ctx, func(c context.Context) error {
		var err error
		token, err = remoteexec.InstallControlPlane(c, cpRunner, cluster.K3sVersion, controlPlanePool.Name)
		return err
	}); err != nil {
		return o.failCluster(ctx, clusterID, "install k3s: control-plane", err)
	}

	var kubeconfig string
	if err := withSSHDeadline(ctx, func(c context.Context) error {
		var err error
		kubeconfig, err = remoteexec.FetchKubeconfig(c, cpRunner, cpServer.PublicIP)
		return err
	}); err != nil {
		return o.failCluster(ctx, clusterID, "fetch kubeconfig", err)
	}

	joinHost := cpServer.PrivateIP
	if joinHost == "" {
		joinHost = cpServer.PublicIP
	}
	joinURL := fmt.Sprintf("https://%s:6443", joinHost)

	if err := o.createWorkerPools(ctx, cluster, workerPools, drv, sshKeyID, sshPrivateKey, joinURL, token); err != nil {
		return o.failCluster(ctx, clusterID, "create worker pools", err)
	}

	gw, err := o.clients.KubeGateway([]byte(kubeconfig))
	if err != nil {
		return o.failCluster(ctx, clusterID, "build kubernetes client", err)
	}

	if cluster.Provider == "hetzner" {
		if err := o.installHetznerCSI(ctx, gw, cluster); err != nil {
			return o.failCluster(ctx, clusterID, "install csi driver", err)
		}
	}

	if cluster.TraefikDashboardEnabled {
		if err := o.installTraefikDashboard(ctx, gw, cluster, cpServer.PublicIP); err != nil {
			return o.failCluster(ctx, clusterID, "install traefik dashboard", err)
		}
	}

	if cluster.Domain != "" {
		if err := o.installCertManager(ctx, gw, cluster); err != nil {
			return o.failCluster(ctx, clusterID, "install cert-manager", err)
		}
	}

	if err := o.store.UpdateClusterAccessIP(ctx, clusterID, cpServer.PublicIP); err != nil {
		return o.failCluster(ctx, clusterID, "persist access ip", err)
	}
	if err := o.store.UpdateClusterStatus(ctx, clusterID, types.StatusRunning, ""); err != nil {
		return fmt.Errorf("orchestrator: persist running status: %w", err)
	}
	logger.Info().Msg("cluster creation complete")
	return nil
}

// createWorkerPools provisions every worker pool's servers, bounded to
// maxParallelJoins concurrent joins per pool so a large pool doesn't
// saturate the control plane's join handler all at once.
func (o *Orchestrator) createWorkerPools(ctx context.Context, cluster *types.Cluster, pools []types.Pool, drv provider.Provider, sshKeyID string, sshPrivateKey []byte, joinURL, token string) error {
	for _, pool := range pools {
		count := poolCount(pool)
		sem := make(chan struct{}, maxParallelJoins)
		var wg sync.WaitGroup
		errs := make([]error, count)

		for i := 0; i < count; i++ {
			wg.Add(1)
			sem <- struct{}{}
			go func(index int) {
				defer wg.Done()
				defer func() { <-sem }()
				errs[index] = o.createWorkerServer(ctx, cluster, pool, index, drv, sshKeyID, sshPrivateKey, joinURL, token)
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				return fmt.Errorf("pool %s: %w", pool.Name, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) createWorkerServer(ctx context.Context, cluster *types.Cluster, pool types.Pool, index int, drv provider.Provider, sshKeyID string, sshPrivateKey []byte, joinURL, token string) error {
	cloudInit, err := render.Render("worker-cloud-init", render.WorkerCloudInit, map[string]any{
		"ClusterName": cluster.Name,
		"PoolName":    pool.Name,
		"Index":       index,
	})
	if err != nil {
		return fmt.Errorf("render worker cloud-init: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%d", cluster.Name, pool.Name, index)
	server, err := withProviderDeadline(ctx, func(c context.Context) (*provider.Server, error) {
		return drv.CreateServer(c, provider.ServerSpec{
			Name:           name,
			NodeType:       pool.NodeType,
			Region:         pool.Region,
			SSHKeyID:       sshKeyID,
			UserData:       cloudInit,
			Labels:         provider.Labels{ClusterID: cluster.ID, Role: provider.RoleWorker, Pool: pool.Name},
			IdempotencyKey: cluster.ID + ":" + name,
		})
	})
	if err != nil {
		return fmt.Errorf("create server %s: %w", name, err)
	}

	runner, err := o.clients.SSHRunner(server.PublicIP, sshUser, sshPrivateKey)
	if err != nil {
		return fmt.Errorf("open ssh to %s: %w", name, err)
	}
	if err := withSSHDeadline(ctx, func(c context.Context) error { return remoteexec.WaitForCloudInit(c, runner) }); err != nil {
		return fmt.Errorf("wait for cloud-init on %s: %w", name, err)
	}
	return withK3sDeadline(ctx, func(c context.Context) error {
		return remoteexec.JoinWorker(c, runner, cluster.K3sVersion, joinURL, token, pool.Name)
	})
}

// installTraefikDashboard materializes the basic-auth secret (already
// bcrypt-hashed at admission time) and applies the IngressRoute/Middleware
// pair against the Traefik CRDs k3s ships by default.
func (o *Orchestrator) installTraefikDashboard(ctx context.Context, gw KubeGateway, cluster *types.Cluster, fallbackHost string) error {
	authLine := fmt.Sprintf("%s:%s", cluster.TraefikDashboardUsername, cluster.TraefikDashboardPasswordHash)
	if err := gw.EnsureSecret(ctx, "kube-system", traefikAuthSecret, map[string][]byte{"users": []byte(authLine)}, corev1.SecretTypeOpaque); err != nil {
		return fmt.Errorf("create basic auth secret: %w", err)
	}

	host := fallbackHost
	if cluster.Domain != "" {
		host = "traefik." + cluster.Domain
	}
	manifest, err := render.Render("traefik-dashboard", render.TraefikDashboardIngressRoute, map[string]any{
		"DashboardHost": host,
	})
	if err != nil {
		return fmt.Errorf("render traefik dashboard manifest: %w", err)
	}
	return applyTraefikCRDManifests(ctx, gw, manifest)
}

// csiManifestObject describes how one kind in render.HetznerCSIManifest maps
// onto a GVR the dynamic client can apply, and whether it is namespace- or
// cluster-scoped.
type csiManifestObject struct {
	gvr        kube.GroupVersionResource
	namespaced bool
}

var csiManifestKinds = map[string]csiManifestObject{
	"CSIDriver":      {kube.GroupVersionResource{Group: "storage.k8s.io", Version: "v1", Resource: "csidrivers"}, false},
	"StorageClass":   {kube.GroupVersionResource{Group: "storage.k8s.io", Version: "v1", Resource: "storageclasses"}, false},
	"ServiceAccount": {kube.GroupVersionResource{Group: "", Version: "v1", Resource: "serviceaccounts"}, true},
	"Deployment":     {kube.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, true},
	"DaemonSet":      {kube.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"}, true},
}

// installHetznerCSI materializes the API-token secret the driver reads and
// applies its CSIDriver/StorageClass/controller/node-plugin bundle, so the
// hcloud-volumes storage class EnsurePVC targets actually exists on every
// Hetzner-backed cluster.
func (o *Orchestrator) installHetznerCSI(ctx context.Context, gw KubeGateway, cluster *types.Cluster) error {
	if err := gw.EnsureSecret(ctx, "kube-system", hetznerCSISecret,
		map[string][]byte{"token": []byte(cluster.ProviderConfig["api_token"])}, corev1.SecretTypeOpaque); err != nil {
		return fmt.Errorf("create csi token secret: %w", err)
	}

	manifest, err := render.Render("hetzner-csi", render.HetznerCSIManifest, map[string]any{})
	if err != nil {
		return fmt.Errorf("render csi manifest: %w", err)
	}
	docs, err := kube.ParseMultiDocYAML(manifest)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		kind, _ := doc["kind"].(string)
		obj, ok := csiManifestKinds[kind]
		if !ok {
			return fmt.Errorf("unexpected kind %q in hetzner csi manifest", kind)
		}
		namespace := ""
		if obj.namespaced {
			namespace = "kube-system"
		}
		if err := gw.ApplyUnstructured(ctx, obj.gvr, namespace, doc); err != nil {
			return fmt.Errorf("apply %s: %w", kind, err)
		}
	}
	return nil
}

func applyTraefikCRDManifests(ctx context.Context, gw KubeGateway, manifest string) error {
	docs, err := kube.ParseMultiDocYAML(manifest)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		kind, _ := doc["kind"].(string)
		var resource string
		switch kind {
		case "Middleware":
			resource = "middlewares"
		case "IngressRoute":
			resource = "ingressroutes"
		default:
			return fmt.Errorf("unexpected kind %q in traefik manifest", kind)
		}
		gvr := kube.GroupVersionResource{Group: "traefik.io", Version: "v1alpha1", Resource: resource}
		if err := gw.ApplyUnstructured(ctx, gvr, "kube-system", doc); err != nil {
			return fmt.Errorf("apply %s: %w", kind, err)
		}
	}
	return nil
}

// installCertManager applies a letsencrypt ClusterIssuer for the cluster's
// domain. It installs neither the cert-manager controller nor its CRDs, and
// no other step of cluster creation does: the apply succeeds only on a
// cluster where cert-manager is already present.
func (o *Orchestrator) installCertManager(ctx context.Context, gw KubeGateway, cluster *types.Cluster) error {
	issuer := map[string]any{
		"apiVersion": "cert-manager.io/v1",
		"kind":       "ClusterIssuer",
		"metadata":   map[string]any{"name": "letsencrypt-" + cluster.Name},
		"spec": map[string]any{
			"acme": map[string]any{
				"server": "https://acme-v02.api.letsencrypt.org/directory",
				"email":  "admin@" + cluster.Domain,
				"privateKeySecretRef": map[string]any{
					"name": "letsencrypt-" + cluster.Name + "-key",
				},
				"solvers": []any{
					map[string]any{"http01": map[string]any{"ingress": map[string]any{"class": "traefik"}}},
				},
			},
		},
	}
	gvr := kube.GroupVersionResource{Group: "cert-manager.io", Version: "v1", Resource: "clusterissuers"}
	return gw.ApplyUnstructured(ctx, gvr, "", issuer)
}

// runDeleteCluster tears down everything labeled for the cluster, best
// effort: each deployment is deleted first, and a deployment teardown
// failure is logged but never blocks resource reclamation, since a stuck
// deployment must not leak servers or volumes.
func (o *Orchestrator) runDeleteCluster(ctx context.Context, clusterID string) error {
	cluster, err := o.store.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("orchestrator: load cluster %s: %w", clusterID, err)
	}
	logger := log.WithClusterID(clusterID)
	logger.Info().Msg("cluster deletion starting")

	if err := o.store.UpdateClusterStatus(ctx, clusterID, types.StatusDeleting, ""); err != nil {
		return fmt.Errorf("orchestrator: mark deleting: %w", err)
	}

	for _, d := range cluster.Deployments {
		if err := o.runDeleteDeployment(ctx, clusterID, d.ID); err != nil {
			logger.Error().Err(err).Str("deployment_id", d.ID).Msg("best-effort deployment teardown failed")
		}
	}

	drv, err := o.providers.Get(cluster.Provider, cluster.ProviderConfig)
	if err != nil {
		return o.failCluster(ctx, clusterID, "resolve provider", err)
	}
	if err := withProviderDeadlineVoid(ctx, func(c context.Context) error { return drv.TeardownByLabel(c, clusterID) }); err != nil {
		return o.failCluster(ctx, clusterID, "teardown provider resources", err)
	}

	if err := o.store.DeleteCluster(ctx, clusterID); err != nil {
		return fmt.Errorf("orchestrator: delete cluster row: %w", err)
	}
	o.dropWorker(clusterID)
	logger.Info().Msg("cluster deletion complete")
	return nil
}

func splitPools(pools []types.Pool) (controlPlane types.Pool, workers []types.Pool, err error) {
	found := false
	for _, p := range pools {
		if p.Role == types.PoolRoleControlPlane {
			if found {
				return types.Pool{}, nil, fmt.Errorf("more than one control-plane pool")
			}
			controlPlane = p
			found = true
			continue
		}
		workers = append(workers, p)
	}
	if !found {
		return types.Pool{}, nil, fmt.Errorf("no control-plane pool defined")
	}
	return controlPlane, workers, nil
}

func poolCount(p types.Pool) int {
	if p.Count != nil {
		return *p.Count
	}
	if p.AutoscaleMin != nil {
		return *p.AutoscaleMin
	}
	return 0
}

func withProviderDeadline[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	c, cancel := context.WithTimeout(ctx, ProviderCallDeadline)
	defer cancel()
	return fn(c)
}

func withProviderDeadlineVoid(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, ProviderCallDeadline)
	defer cancel()
	return fn(c)
}

func withSSHDeadline(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, SSHCommandDeadline)
	defer cancel()
	return fn(c)
}

func withK3sDeadline(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, K3sReadinessDeadline)
	defer cancel()
	return fn(c)
}
