// Package kube is the typed gateway (C4) into a single target k3s cluster:
// namespaces, secrets, ingresses and PVCs, all exposed as idempotent
// "ensure" operations over k8s.io/client-go.
package kube

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// HetznerStorageClass is the CSI storage class installed alongside every
// Hetzner-backed cluster; PVCs created by the deployment orchestrator
// reference it unless the application specifies otherwise.
const HetznerStorageClass = "hcloud-volumes"

// Gateway wraps a single cluster's clientset. Gateways are not cached: the
// orchestrator builds a new one from a freshly fetched kubeconfig for every
// operation.
type Gateway struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
}

// NewGateway builds a Gateway from the raw kubeconfig bytes produced by C3.
func NewGateway(kubeconfig []byte) (*Gateway, error) {
	config, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kube: parse kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("kube: build clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("kube: build dynamic client: %w", err)
	}
	return &Gateway{clientset: clientset, dynamic: dyn}, nil
}

// NewGatewayFromClientset is used by tests to inject a fake clientset.
func NewGatewayFromClientset(clientset kubernetes.Interface) *Gateway {
	return &Gateway{clientset: clientset}
}

// EnsureNamespace creates the namespace if absent; a no-op if it already
// exists.
func (g *Gateway) EnsureNamespace(ctx context.Context, name string) error {
	_, err := g.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("kube: get namespace %s: %w", name, err)
	}
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if _, err := g.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("kube: create namespace %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) DeleteNamespace(ctx context.Context, name string) error {
	err := g.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("kube: delete namespace %s: %w", name, err)
	}
	return nil
}

// EnsureSecret creates or replaces a namespaced secret of type secretType.
func (g *Gateway) EnsureSecret(ctx context.Context, namespace, name string, data map[string][]byte, secretType corev1.SecretType) error {
	secrets := g.clientset.CoreV1().Secrets(namespace)
	existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Data:       data,
		Type:       secretType,
	}
	if apierrors.IsNotFound(err) {
		_, err := secrets.Create(ctx, secret, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("kube: create secret %s/%s: %w", namespace, name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("kube: get secret %s/%s: %w", namespace, name, err)
	}
	secret.ResourceVersion = existing.ResourceVersion
	if _, err := secrets.Update(ctx, secret, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("kube: update secret %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (g *Gateway) GetSecret(ctx context.Context, namespace, name string) (map[string][]byte, error) {
	secret, err := g.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("kube: get secret %s/%s: %w", namespace, name, err)
	}
	return secret.Data, nil
}

func (g *Gateway) DeleteSecret(ctx context.Context, namespace, name string) error {
	err := g.clientset.CoreV1().Secrets(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("kube: delete secret %s/%s: %w", namespace, name, err)
	}
	return nil
}

// IngressRule describes a single host/path route into a backend service.
type IngressRule struct {
	Host        string
	Path        string
	ServiceName string
	ServicePort int32
	TLSSecret   string
}

// EnsureIngress creates or replaces a single-rule Ingress. DataInfraPilot
// never needs multi-rule ingresses: each access endpoint gets its own
// Ingress object named after the endpoint.
func (g *Gateway) EnsureIngress(ctx context.Context, namespace, name string, rule IngressRule) error {
	pathType := networkingv1.PathTypePrefix
	path := rule.Path
	if path == "" {
		path = "/"
	}
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: rule.Host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     path,
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: rule.ServiceName,
											Port: networkingv1.ServiceBackendPort{Number: rule.ServicePort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if rule.TLSSecret != "" {
		ingress.Spec.TLS = []networkingv1.IngressTLS{{Hosts: []string{rule.Host}, SecretName: rule.TLSSecret}}
	}

	ingresses := g.clientset.NetworkingV1().Ingresses(namespace)
	existing, err := ingresses.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := ingresses.Create(ctx, ingress, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("kube: create ingress %s/%s: %w", namespace, name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("kube: get ingress %s/%s: %w", namespace, name, err)
	}
	ingress.ResourceVersion = existing.ResourceVersion
	if _, err := ingresses.Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("kube: update ingress %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (g *Gateway) DeleteIngress(ctx context.Context, namespace, name string) error {
	err := g.clientset.NetworkingV1().Ingresses(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("kube: delete ingress %s/%s: %w", namespace, name, err)
	}
	return nil
}

// EnsurePVC creates a PVC bound to storageClass if absent; existing PVCs are
// left untouched since their spec is immutable after creation.
func (g *Gateway) EnsurePVC(ctx context.Context, namespace, name string, sizeGiB int, storageClass string) error {
	if storageClass == "" {
		storageClass = HetznerStorageClass
	}
	pvcs := g.clientset.CoreV1().PersistentVolumeClaims(namespace)
	if _, err := pvcs.Get(ctx, name, metav1.GetOptions{}); err == nil {
		return nil
	} else if !apierrors.IsNotFound(err) {
		return fmt.Errorf("kube: get pvc %s/%s: %w", namespace, name, err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &storageClass,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(fmt.Sprintf("%dGi", sizeGiB)),
				},
			},
		},
	}
	if _, err := pvcs.Create(ctx, pvc, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("kube: create pvc %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (g *Gateway) DeletePVC(ctx context.Context, namespace, name string) error {
	err := g.clientset.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("kube: delete pvc %s/%s: %w", namespace, name, err)
	}
	return nil
}

// PodReadiness summarizes a deployment's rollout for health/credentials
// queries.
type PodReadiness struct {
	DesiredReplicas int32
	ReadyReplicas   int32
}

// DeploymentReadiness fetches the pod readiness summary of a Kubernetes
// Deployment by name, used by the credentials and health-check paths.
func (g *Gateway) DeploymentReadiness(ctx context.Context, namespace, name string) (*PodReadiness, error) {
	dep, err := g.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("kube: get deployment %s/%s: %w", namespace, name, err)
	}
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	return &PodReadiness{DesiredReplicas: desired, ReadyReplicas: dep.Status.ReadyReplicas}, nil
}

// ApplyManifestBundle applies a set of raw, already-decoded objects. The
// Hetzner CSI driver manifest and the cert-manager ClusterIssuer do not go
// through here; the orchestrator applies those with ApplyUnstructured.
func (g *Gateway) ApplyManifestBundle(ctx context.Context, namespace string, objects []RawObject) error {
	for _, obj := range objects {
		if err := g.applySimpleObject(ctx, namespace, obj); err != nil {
			return err
		}
	}
	return nil
}

// RawObject is a minimal decoded manifest the gateway knows how to apply
// without a full dynamic/unstructured client. Only ConfigMaps are supported;
// any other kind is rejected. Everything else the orchestrator applies
// directly (the CSI workloads, custom resource instances) goes through
// ApplyUnstructured.
type RawObject struct {
	Kind      string
	Name      string
	Namespace string
	Data      map[string]string
}

func (g *Gateway) applySimpleObject(ctx context.Context, defaultNamespace string, obj RawObject) error {
	ns := obj.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	switch obj.Kind {
	case "ConfigMap":
		cms := g.clientset.CoreV1().ConfigMaps(ns)
		existing, err := cms.Get(ctx, obj.Name, metav1.GetOptions{})
		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: obj.Name, Namespace: ns}, Data: obj.Data}
		if apierrors.IsNotFound(err) {
			_, err := cms.Create(ctx, cm, metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}
		cm.ResourceVersion = existing.ResourceVersion
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	default:
		return fmt.Errorf("kube: applySimpleObject: unsupported kind %q", obj.Kind)
	}
}

// GroupVersionResource identifies a resource's API endpoint for
// ApplyUnstructured: built-in kinds such as the Hetzner CSI bundle's
// StorageClass and DaemonSet, or custom resources such as Traefik's
// Middleware/IngressRoute or cert-manager's ClusterIssuer. The custom resource
// CRDs are installed by k3s and cert-manager respectively; the gateway only
// ever applies instances of them.
type GroupVersionResource struct {
	Group    string
	Version  string
	Resource string
}

// ApplyUnstructured creates or updates a single custom resource instance
// decoded from a rendered manifest document.
func (g *Gateway) ApplyUnstructured(ctx context.Context, gvr GroupVersionResource, namespace string, obj map[string]any) error {
	if g.dynamic == nil {
		return fmt.Errorf("kube: dynamic client not configured")
	}
	res := g.dynamic.Resource(schema.GroupVersionResource{Group: gvr.Group, Version: gvr.Version, Resource: gvr.Resource})
	var client dynamic.ResourceInterface = res
	if namespace != "" {
		client = res.Namespace(namespace)
	}

	u := &unstructured.Unstructured{Object: obj}
	name := u.GetName()
	if name == "" {
		return fmt.Errorf("kube: apply %s: manifest has no metadata.name", gvr.Resource)
	}

	existing, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := client.Create(ctx, u, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("kube: create %s %s: %w", gvr.Resource, name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("kube: get %s %s: %w", gvr.Resource, name, err)
	}
	u.SetResourceVersion(existing.GetResourceVersion())
	if _, err := client.Update(ctx, u, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("kube: update %s %s: %w", gvr.Resource, name, err)
	}
	return nil
}

// ParseMultiDocYAML splits a "---"-separated rendered manifest into decoded
// documents, skipping blank ones. It is the counterpart to pkg/render's
// text/template output: a renderer produces YAML text, this turns it back
// into the generic maps ApplyUnstructured needs.
func ParseMultiDocYAML(doc string) ([]map[string]any, error) {
	var out []map[string]any
	for _, part := range strings.Split(doc, "\n---") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var decoded map[string]any
		if err := yaml.Unmarshal([]byte(part), &decoded); err != nil {
			return nil, fmt.Errorf("kube: parse manifest document: %w", err)
		}
		if decoded == nil {
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}
