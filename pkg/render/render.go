// Package render is the template renderer (C6): binds per-application and
// per-addon configuration into text/template documents (cloud-init scripts,
// Helm values files, manifest fragments) using github.com/Masterminds/sprig
// for helper functions.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"
)

// Render executes the named template source against data. It rejects any
// reference to a field absent from data instead of silently rendering
// "<no value>" — Option("missingkey=error") makes an unknown variable a
// render-time error rather than a production surprise in generated
// cloud-init or Helm values. Besides sprig's functions, templates may call
// toYaml, which sprig itself does not provide.
func Render(name, source string, data map[string]any) (string, error) {
	funcs := sprig.TxtFuncMap()
	funcs["toYaml"] = func(v any) (string, error) {
		out, err := yaml.Marshal(v)
		return strings.TrimSuffix(string(out), "\n"), err
	}
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(funcs).
		Parse(source)
	if err != nil {
		return "", fmt.Errorf("render: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render: execute %s: %w", name, err)
	}
	return buf.String(), nil
}

// ControlPlaneCloudInit is the cloud-init template applied to a cluster's
// control-plane node; k3s itself is installed afterwards over SSH (C3), so
// this only needs to prepare the box (packages, swap, sysctl).
const ControlPlaneCloudInit = `#cloud-config
hostname: {{ .ClusterName }}-control-plane
package_update: true
packages:
  - curl
  - open-iscsi
write_files:
  - path: /etc/sysctl.d/99-dip.conf
    content: |
      net.bridge.bridge-nf-call-iptables=1
      net.ipv4.ip_forward=1
runcmd:
  - sysctl --system
  - swapoff -a
`

// WorkerCloudInit is the cloud-init template applied to every worker node,
// regardless of pool.
const WorkerCloudInit = `#cloud-config
hostname: {{ .ClusterName }}-{{ .PoolName }}-{{ .Index }}
package_update: true
packages:
  - curl
  - open-iscsi
write_files:
  - path: /etc/sysctl.d/99-dip.conf
    content: |
      net.bridge.bridge-nf-call-iptables=1
      net.ipv4.ip_forward=1
runcmd:
  - sysctl --system
  - swapoff -a
`

// TraefikDashboardIngressRoute renders the Traefik IngressRoute + basic-auth
// middleware for the optional dashboard addon.
const TraefikDashboardIngressRoute = `apiVersion: traefik.io/v1alpha1
kind: Middleware
metadata:
  name: traefik-dashboard-auth
  namespace: kube-system
spec:
  basicAuth:
    secret: traefik-dashboard-auth
---
apiVersion: traefik.io/v1alpha1
kind: IngressRoute
metadata:
  name: traefik-dashboard
  namespace: kube-system
spec:
  entryPoints:
    - web
  routes:
    - match: Host({{ printf "%q" .DashboardHost }})
      kind: Rule
      middlewares:
        - name: traefik-dashboard-auth
      services:
        - name: api@internal
          kind: TraefikService
`

// HetznerCSIManifest is the CSI driver bundle applied via the Kubernetes
// gateway right after a cluster reaches kubeconfig readiness: the CSIDriver
// registration, the hcloud-volumes StorageClass EnsurePVC targets, and the
// controller/node plugin workloads. The API token itself is delivered
// through the hcloud-csi Secret the orchestrator creates before this
// renders, referenced here by name rather than embedded in the manifest.
const HetznerCSIManifest = `apiVersion: storage.k8s.io/v1
kind: CSIDriver
metadata:
  name: csi.hetzner.cloud
spec:
  attachRequired: true
  podInfoOnMount: true
---
apiVersion: storage.k8s.io/v1
kind: StorageClass
metadata:
  name: hcloud-volumes
provisioner: csi.hetzner.cloud
reclaimPolicy: Delete
volumeBindingMode: WaitForFirstConsumer
---
apiVersion: v1
kind: ServiceAccount
metadata:
  name: hcloud-csi
  namespace: kube-system
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: hcloud-csi-controller
  namespace: kube-system
spec:
  replicas: 1
  selector:
    matchLabels:
      app: hcloud-csi-controller
  template:
    metadata:
      labels:
        app: hcloud-csi-controller
    spec:
      serviceAccountName: hcloud-csi
      containers:
        - name: hcloud-csi-driver
          image: hetznercloud/hcloud-csi-driver:latest
          env:
            - name: CSI_ENDPOINT
              value: unix:///run/csi/socket
            - name: HCLOUD_TOKEN
              valueFrom:
                secretKeyRef:
                  name: hcloud-csi
                  key: token
---
apiVersion: apps/v1
kind: DaemonSet
metadata:
  name: hcloud-csi-node
  namespace: kube-system
spec:
  selector:
    matchLabels:
      app: hcloud-csi-node
  template:
    metadata:
      labels:
        app: hcloud-csi-node
    spec:
      serviceAccountName: hcloud-csi
      containers:
        - name: hcloud-csi-driver
          image: hetznercloud/hcloud-csi-driver:latest
          env:
            - name: CSI_ENDPOINT
              value: unix:///run/csi/socket
            - name: HCLOUD_TOKEN
              valueFrom:
                secretKeyRef:
                  name: hcloud-csi
                  key: token
          securityContext:
            privileged: true
`

// GenericHelmValuesTemplate converts a validated application config map
// straight into a Helm values document via Render's toYaml. Applications
// whose chart accepts their config verbatim (Grafana, Prefect) never need a
// hand-written values template.
const GenericHelmValuesTemplate = `{{ .Config | toYaml }}
`

// AirflowValuesTemplate layers Airflow-specific policy on top of its config
// before handing the result to Helm: the executor, the DAG git-sync
// settings, and the Flower UI toggle.
const AirflowValuesTemplate = `executor: {{ .Config.executor }}
dags:
  gitSync:
    enabled: true
    repo: {{ .Config.dags_repository_url | quote }}
    branch: {{ .Config.dags_repository_branch | default "main" | quote }}
    {{- if .Config.dags_repository_subpath }}
    subPath: {{ .Config.dags_repository_subpath | quote }}
    {{- end }}
{{- if .Config.custom_image_enabled }}
images:
  airflow:
    repository: {{ .Config.custom_image_registry | quote }}
    tag: {{ .Config.custom_image_tag | quote }}
{{- end }}
{{- if and (eq .Config.executor "CeleryExecutor") .Config.flower_enabled }}
flower:
  enabled: true
{{- end }}
pgbouncer:
  enabled: {{ .Config.pgbouncer_enabled | default false }}
`

// SparkApplicationManifest renders a SparkApplication custom resource;
// Spark ships no catalog Helm chart in this deployment model, so its
// worker pool sizing is applied directly as a CRD instance instead.
const SparkApplicationManifest = `apiVersion: sparkoperator.k8s.io/v1beta2
kind: SparkApplication
metadata:
  name: {{ .Name }}
  namespace: {{ .Namespace }}
spec:
  type: Scala
  mode: cluster
  sparkVersion: {{ .Config.version | quote }}
  executor:
    instances: {{ .Config.min_workers }}
  dynamicAllocation:
    enabled: true
    minExecutors: {{ .Config.min_workers }}
    maxExecutors: {{ .Config.max_workers }}
`
