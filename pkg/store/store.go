package store

import (
	"context"
	"errors"

	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

// ErrNotFound is returned when a lookup by ID or unique name finds no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on a unique-constraint violation, or when a
// mutation is rejected by a business-level precondition (e.g. deleting an
// in-use volume).
var ErrConflict = errors.New("conflict")

// Store defines the persistence operations every orchestrator and REST
// handler uses. The sqlite-backed implementation lives in gorm_store.go;
// tests substitute an in-memory sqlite DSN rather than a fake, since the
// store's job is almost entirely SQL semantics (uniqueness, cascades).
type Store interface {
	CreateCluster(ctx context.Context, c *types.Cluster) error
	GetCluster(ctx context.Context, id string) (*types.Cluster, error)
	GetClusterByName(ctx context.Context, name string) (*types.Cluster, error)
	ListClusters(ctx context.Context) ([]*types.Cluster, error)
	UpdateClusterStatus(ctx context.Context, id string, status types.Status, errMsg string) error
	UpdateClusterAccessIP(ctx context.Context, id string, accessIP string) error
	DeleteCluster(ctx context.Context, id string) error

	ListPools(ctx context.Context, clusterID string) ([]*types.Pool, error)

	CreateDeployment(ctx context.Context, d *types.Deployment) error
	GetDeployment(ctx context.Context, clusterID, id string) (*types.Deployment, error)
	ListDeployments(ctx context.Context, clusterID string) ([]*types.Deployment, error)
	UpdateDeployment(ctx context.Context, d *types.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, id string, status types.Status, errMsg string) error
	DeleteDeployment(ctx context.Context, id string) error

	CreateVolume(ctx context.Context, v *types.Volume) error
	GetVolume(ctx context.Context, id string) (*types.Volume, error)
	GetVolumeByName(ctx context.Context, name string) (*types.Volume, error)
	ListVolumes(ctx context.Context) ([]*types.Volume, error)
	SetVolumeInUse(ctx context.Context, name string, inUse bool) error
	// SetVolumeProvider records the provider-assigned volume ID and status
	// once the orchestrator has actually provisioned the backing disk.
	SetVolumeProvider(ctx context.Context, name, providerID string, status types.Status) error
	DeleteVolume(ctx context.Context, id string) error

	// EndpointExists reports whether any enabled endpoint in the cluster
	// already has the given (access_type, normalized value), excluding the
	// given deployment ID (used when re-validating an update).
	EndpointExists(ctx context.Context, clusterID string, accessType types.AccessType, value string, excludeDeploymentID string) (bool, error)

	Close() error
}
