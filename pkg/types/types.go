package types

import (
	"time"
)

// Status is the lifecycle state shared by Cluster, Deployment and Volume.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusUpdating  Status = "updating"
	StatusDeploying Status = "deploying"
	StatusFailed    Status = "failed"
	StatusDeleting  Status = "deleting"
)

// IsTerminal reports whether s is a terminal state (running or failed).
func (s Status) IsTerminal() bool {
	return s == StatusRunning || s == StatusFailed
}

// PoolRole distinguishes the single control-plane pool from worker pools.
type PoolRole string

const (
	PoolRoleControlPlane PoolRole = "control-plane"
	PoolRoleWorker       PoolRole = "worker"
)

// AccessType classifies how a deployment's endpoint is reached.
type AccessType string

const (
	AccessTypeSubdomain     AccessType = "subdomain"
	AccessTypeDomainPath    AccessType = "domain_path"
	AccessTypeClusterIPPath AccessType = "cluster_ip_path"
)

// Cluster is a single k3s cluster under management. Exactly one of its pools
// has Role == PoolRoleControlPlane and that pool's count is always 1.
type Cluster struct {
	ID       string `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex;not null"`
	Provider string `gorm:"not null"`

	// ProviderConfig holds provider credentials and is never serialized to
	// query responses; see (Cluster).Redacted.
	ProviderConfig map[string]string `gorm:"serializer:json" json:"-"`

	K3sVersion string
	Domain     string
	AccessIP   string

	TraefikDashboardEnabled  bool
	TraefikDashboardUsername string
	// TraefikDashboardPasswordHash is the bcrypt hash of the supplied basic
	// auth password; the plaintext is never persisted.
	TraefikDashboardPasswordHash string `json:"-"`

	Status       Status
	ErrorMessage string

	Pools       []Pool       `gorm:"constraint:OnDelete:CASCADE"`
	Deployments []Deployment `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Redacted returns a shallow copy of c with provider credentials and the
// dashboard password hash stripped, fit for a read-only API response.
func (c Cluster) Redacted() Cluster {
	c.ProviderConfig = nil
	c.TraefikDashboardPasswordHash = ""
	return c
}

// Pool is a named, homogeneous set of servers within a cluster. Either Count
// is set (fixed size) or AutoscaleMin/AutoscaleMax are both set.
type Pool struct {
	ID        string `gorm:"primaryKey"`
	ClusterID string `gorm:"uniqueIndex:idx_pool_cluster_name,not null"`
	Name      string `gorm:"uniqueIndex:idx_pool_cluster_name,not null"`
	Role      PoolRole

	NodeType string
	Region   string

	Count *int

	AutoscaleMin *int
	AutoscaleMax *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deployment is an installation of one Application onto a Cluster.
type Deployment struct {
	ID            string `gorm:"primaryKey"`
	ClusterID     string `gorm:"uniqueIndex:idx_deploy_cluster_name,not null"`
	Name          string `gorm:"uniqueIndex:idx_deploy_cluster_name,not null"`
	ApplicationID string `gorm:"not null"`

	Config map[string]any `gorm:"serializer:json"`

	PoolName string

	Namespace string

	VolumeBindings []VolumeBinding `gorm:"constraint:OnDelete:CASCADE"`
	Endpoints      []AccessEndpoint `gorm:"constraint:OnDelete:CASCADE"`

	Status       Status
	ErrorMessage string
	InstalledAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VolumeBinding records that a Deployment references a named Volume, either
// an existing one the user picked or a fresh one created alongside it.
type VolumeBinding struct {
	ID           string `gorm:"primaryKey"`
	DeploymentID string `gorm:"index;not null"`
	VolumeName   string `gorm:"not null"`
	VolumeID     string
	// PVCName is the Kubernetes PersistentVolumeClaim created for this
	// binding; populated once C4 ensures it.
	PVCName string
}

// AccessEndpoint is a user-visible route into a Deployment. Uniqueness of
// (AccessType, Value) is scoped to a cluster, spanning every deployment on
// it; that can't be expressed as a table-level index here since it requires
// joining through to Deployment.ClusterID, so store.EndpointExists is the
// sole enforcer at admission time.
type AccessEndpoint struct {
	ID           string `gorm:"primaryKey"`
	DeploymentID string `gorm:"index;not null"`
	Name         string `gorm:"not null"`
	AccessType   AccessType
	// Value holds the normalized subdomain label, domain path, or
	// cluster-IP path, depending on AccessType.
	Value    string
	Enabled  bool
	Required bool
}

// Volume is a persistent block volume managed independently of any one
// deployment; a deployment toggles InUse by referencing it by name.
type Volume struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;not null"`
	SizeGiB     int
	ProviderID  string
	RegionID    string
	Description string
	Status      Status
	InUse       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConfigFieldType enumerates the scalar types an Application's config
// options may take.
type ConfigFieldType string

const (
	ConfigFieldText    ConfigFieldType = "text"
	ConfigFieldNumber  ConfigFieldType = "number"
	ConfigFieldSelect  ConfigFieldType = "select"
	ConfigFieldBoolean ConfigFieldType = "boolean"
)

// ConfigCondition makes a ConfigOption's visibility depend on another
// field's value; a hidden field is treated as absent during validation.
type ConfigCondition struct {
	Field string
	Value any
}

// ConfigOption is one entry of an Application's config schema.
type ConfigOption struct {
	ID       string
	Type     ConfigFieldType
	Required bool
	Default  any

	// SelectOptions is populated when Type == ConfigFieldSelect.
	SelectOptions []string

	// FetchedVersions, when true, means SelectOptions should be replaced at
	// render time with the catalog's cached upstream version list.
	FetchedVersions bool

	Conditional *ConfigCondition
}

// VolumeRequirement describes a volume an Application needs at install time.
type VolumeRequirement struct {
	Name        string
	DefaultSize int
	Description string
}

// EndpointSchema describes one access endpoint an Application may expose.
type EndpointSchema struct {
	Name          string
	Description   string
	DefaultType   AccessType
	DefaultValue  string
	Required      bool
}

// Application is a read-only catalog descriptor; it is never persisted, it
// is loaded into memory at startup by pkg/catalog.
type Application struct {
	ID          string
	ShortName   string
	DisplayName string

	ConfigOptions     []ConfigOption
	VolumeRequirements []VolumeRequirement
	Endpoints          []EndpointSchema

	// ArtifactBundlePath is the on-disk directory holding the application's
	// Helm chart / manifest bundle.
	ArtifactBundlePath string

	// HelmChart, when set, is installed via the Helm engine (C5); when nil
	// the application renders and applies raw manifests instead.
	HelmChart *HelmChartRef

	// Credentials, when set, locates the chart-managed secret holding the
	// application's first-login username/password. Applications with no
	// login of their own (Spark, Prefect OSS) leave this nil.
	Credentials *CredentialsSpec
}

// CredentialsSpec locates a deployment's first-login secret within its
// namespace. SecretNameSuffix is appended to the deployment name to form
// the secret name; Username is static when the chart hard-codes it,
// otherwise it is read from UsernameKey.
type CredentialsSpec struct {
	SecretNameSuffix string
	Username         string
	UsernameKey      string
	PasswordKey      string
}

// HelmChartRef identifies a chart to install: either a local directory
// under ArtifactBundlePath, or a remote chart reference.
type HelmChartRef struct {
	Name       string
	RepoURL    string
	ChartName  string
	Version    string
	LocalPath  string
}
