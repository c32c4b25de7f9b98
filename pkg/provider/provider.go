// Package provider defines the capability interface the cluster
// orchestrator (C8) drives to provision and tear down IaaS resources. Each
// backend (currently only Hetzner Cloud) implements Provider against its own
// API; the orchestrator never imports a backend package directly.
package provider

import (
	"context"
	"errors"
)

// ErrUnimplemented is returned by Unimplemented for any provider named in
// catalogs but without a driver, per the cluster-creation admission path
// that rejects them with validation_error rather than guessing at a wire
// format.
var ErrUnimplemented = errors.New("provider: backend not implemented")

// Role labels a server within a cluster.
type Role string

const (
	RoleControlPlane Role = "control-plane"
	RoleWorker       Role = "worker"
)

// Labels is the (dip/cluster, dip/role, dip/pool) triple attached to every
// resource a Provider creates, so teardown can discover resources by label
// instead of relying solely on locally stored IDs.
type Labels struct {
	ClusterID string
	Role      Role
	Pool      string
}

func (l Labels) AsMap() map[string]string {
	m := map[string]string{"dip/cluster": l.ClusterID}
	if l.Role != "" {
		m["dip/role"] = string(l.Role)
	}
	if l.Pool != "" {
		m["dip/pool"] = l.Pool
	}
	return m
}

// ServerSpec describes a server to create.
type ServerSpec struct {
	Name       string
	NodeType   string
	Region     string
	SSHKeyID   string
	UserData   string
	Labels     Labels
	// IdempotencyKey is derived from (cluster-id, logical-name) so a retried
	// create after a partial failure adopts the existing resource instead of
	// erroring.
	IdempotencyKey string
}

// Server is the subset of provider server state the orchestrator needs.
type Server struct {
	ID        string
	Name      string
	PublicIP  string
	PrivateIP string
	Status    string
	Labels    map[string]string
}

// VolumeSpec describes a block volume to create.
type VolumeSpec struct {
	Name     string
	SizeGiB  int
	Region   string
	Labels   Labels
}

// Volume is the subset of provider volume state the orchestrator needs.
type Volume struct {
	ID     string
	Name   string
	SizeGiB int
	Status string
}

// Provider is the capability interface a cluster orchestrator drives. Every
// method is expected to retry transient failures internally and return a
// terminal error only once its retry budget is exhausted.
type Provider interface {
	Name() string

	EnsureSSHKey(ctx context.Context, clusterID, name, publicKey string) (keyID string, err error)
	EnsureFirewall(ctx context.Context, clusterID, name string, rules FirewallRules) (firewallID string, err error)
	EnsureNetwork(ctx context.Context, clusterID, name, ipRange string) (networkID string, err error)

	CreateServer(ctx context.Context, spec ServerSpec) (*Server, error)
	DeleteServer(ctx context.Context, serverID string) error
	GetServer(ctx context.Context, serverID string) (*Server, error)
	ListServersByLabel(ctx context.Context, clusterID string) ([]*Server, error)

	CreateVolume(ctx context.Context, spec VolumeSpec) (*Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	AttachVolume(ctx context.Context, volumeID, serverID string) error
	DetachVolume(ctx context.Context, volumeID string) error

	DeleteFirewall(ctx context.Context, firewallID string) error
	DeleteNetwork(ctx context.Context, networkID string) error

	// TeardownByLabel deletes every resource (servers, volumes, network,
	// firewall) carrying dip/cluster=clusterID, regardless of whether the
	// caller still has their IDs on hand. It is the sole teardown path so
	// partial creates can never leak provider resources.
	TeardownByLabel(ctx context.Context, clusterID string) error
}

// FirewallRules is a minimal inbound/outbound rule set; Hetzner's firewall
// API takes a richer shape but the orchestrator only ever needs SSH + k3s
// API + node-to-node traffic opened.
type FirewallRules struct {
	AllowSSHFrom    []string
	AllowAPIFrom    []string
	AllowNodeToNode bool
}

// Factory builds a Provider bound to one cluster's credentials (e.g. a
// Hetzner API token); each cluster may carry different credentials, so the
// registry resolves a constructor rather than a shared instance.
type Factory func(credentials map[string]string) (Provider, error)

// Registry resolves a provider name (the Cluster.Provider field) to a
// Factory. Backends register themselves at startup via Register.
type Registry struct {
	backends map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.backends[name] = f
}

// Get builds a Provider for name using credentials, or ErrUnimplemented if
// no backend is registered under that name.
func (r *Registry) Get(name string, credentials map[string]string) (Provider, error) {
	f, ok := r.backends[name]
	if !ok {
		return nil, ErrUnimplemented
	}
	return f(credentials)
}

// Has reports whether name has a registered backend, used at admission
// time to reject unimplemented providers (e.g. DigitalOcean) before any
// provisioning work starts.
func (r *Registry) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}
