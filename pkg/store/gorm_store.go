package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/datainfrapilot/datainfrapilot/pkg/security"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore is the sqlite-backed Store implementation.
type GormStore struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite database at dsn. Use "file::memory:?cache=shared"
// for tests.
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.AutoMigrate(
		&types.Cluster{},
		&types.Pool{},
		&types.Deployment{},
		&types.VolumeBinding{},
		&types.AccessEndpoint{},
		&types.Volume{},
		&clusterCredentials{},
	); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation recognizes sqlite's unique-constraint error text; gorm
// does not normalize this across drivers, so callers map it to ErrConflict
// at the call site instead of leaking driver details upward.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// encryptProviderConfig replaces a cluster's ProviderConfig with its
// encrypted form before the row is written; decryptProviderConfig reverses
// this on read. The encryption key is derived deterministically from the
// cluster ID so no separate key store is required.
func encryptProviderConfig(c *types.Cluster) (string, error) {
	if len(c.ProviderConfig) == 0 {
		return "", nil
	}
	plaintext, err := json.Marshal(c.ProviderConfig)
	if err != nil {
		return "", err
	}
	sm, err := security.NewSecretsManager(security.DeriveKeyFromClusterID(c.ID))
	if err != nil {
		return "", err
	}
	ciphertext, err := sm.EncryptSecret(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decryptProviderConfig(clusterID string, encoded string) (map[string]string, error) {
	if encoded == "" {
		return nil, nil
	}
	sm, err := security.NewSecretsManager(security.DeriveKeyFromClusterID(clusterID))
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	plaintext, err := sm.DecryptSecret(ciphertext)
	if err != nil {
		return nil, err
	}
	var cfg map[string]string
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clusterCredentials is a side table holding the encrypted provider config
// blob, kept separate from Cluster so the Cluster row itself never carries
// plaintext-shaped credential columns.
type clusterCredentials struct {
	ClusterID string `gorm:"primaryKey"`
	Encrypted string
}

func (s *GormStore) CreateCluster(ctx context.Context, c *types.Cluster) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	encrypted, err := encryptProviderConfig(c)
	if err != nil {
		return fmt.Errorf("encrypt provider config: %w", err)
	}

	for i := range c.Pools {
		if c.Pools[i].ID == "" {
			c.Pools[i].ID = uuid.New().String()
		}
		c.Pools[i].ClusterID = c.ID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plain := c.ProviderConfig
		c.ProviderConfig = nil
		err := tx.Create(c).Error
		c.ProviderConfig = plain
		if err != nil {
			return mapWriteErr(err)
		}
		if encrypted != "" {
			if err := tx.Create(&clusterCredentials{ClusterID: c.ID, Encrypted: encrypted}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) loadCredentials(ctx context.Context, c *types.Cluster) error {
	var row clusterCredentials
	err := s.db.WithContext(ctx).First(&row, "cluster_id = ?", c.ID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	cfg, err := decryptProviderConfig(c.ID, row.Encrypted)
	if err != nil {
		return err
	}
	c.ProviderConfig = cfg
	return nil
}

func (s *GormStore) GetCluster(ctx context.Context, id string) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.WithContext(ctx).
		Preload("Pools").
		Preload("Deployments.Endpoints").
		Preload("Deployments.VolumeBindings").
		First(&c, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadCredentials(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) GetClusterByName(ctx context.Context, name string) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.WithContext(ctx).Preload("Pools").Preload("Deployments").First(&c, "name = ?", name).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *GormStore) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.WithContext(ctx).
		Preload("Pools").
		Preload("Deployments.Endpoints").
		Preload("Deployments.VolumeBindings").
		Order("created_at").
		Find(&clusters).Error
	return clusters, err
}

func (s *GormStore) UpdateClusterStatus(ctx context.Context, id string, status types.Status, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&types.Cluster{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "error_message": errMsg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdateClusterAccessIP(ctx context.Context, id string, accessIP string) error {
	res := s.db.WithContext(ctx).Model(&types.Cluster{}).Where("id = ?", id).
		Update("access_ip", accessIP)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteCluster(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c types.Cluster
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Select(clause.Associations).Delete(&c).Error; err != nil {
			return err
		}
		return tx.Where("cluster_id = ?", id).Delete(&clusterCredentials{}).Error
	})
}

func (s *GormStore) ListPools(ctx context.Context, clusterID string) ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID).Find(&pools).Error
	return pools, err
}

func (s *GormStore) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	for i := range d.Endpoints {
		if d.Endpoints[i].ID == "" {
			d.Endpoints[i].ID = uuid.New().String()
		}
		d.Endpoints[i].DeploymentID = d.ID
	}
	for i := range d.VolumeBindings {
		if d.VolumeBindings[i].ID == "" {
			d.VolumeBindings[i].ID = uuid.New().String()
		}
		d.VolumeBindings[i].DeploymentID = d.ID
	}
	return mapWriteErr(s.db.WithContext(ctx).Create(d).Error)
}

func (s *GormStore) GetDeployment(ctx context.Context, clusterID, id string) (*types.Deployment, error) {
	var d types.Deployment
	err := s.db.WithContext(ctx).
		Preload("Endpoints").
		Preload("VolumeBindings").
		First(&d, "id = ? AND cluster_id = ?", id, clusterID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	return &d, err
}

func (s *GormStore) ListDeployments(ctx context.Context, clusterID string) ([]*types.Deployment, error) {
	var deployments []*types.Deployment
	err := s.db.WithContext(ctx).
		Preload("Endpoints").
		Preload("VolumeBindings").
		Where("cluster_id = ?", clusterID).
		Find(&deployments).Error
	return deployments, err
}

func (s *GormStore) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(d).Error; err != nil {
			return mapWriteErr(err)
		}
		if err := tx.Where("deployment_id = ?", d.ID).Delete(&types.AccessEndpoint{}).Error; err != nil {
			return err
		}
		for i := range d.Endpoints {
			d.Endpoints[i].DeploymentID = d.ID
			if d.Endpoints[i].ID == "" {
				d.Endpoints[i].ID = uuid.New().String()
			}
		}
		if len(d.Endpoints) > 0 {
			if err := tx.Create(&d.Endpoints).Error; err != nil {
				return mapWriteErr(err)
			}
		}
		return nil
	})
}

func (s *GormStore) UpdateDeploymentStatus(ctx context.Context, id string, status types.Status, errMsg string) error {
	res := s.db.WithContext(ctx).Model(&types.Deployment{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "error_message": errMsg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteDeployment(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d types.Deployment
		if err := tx.First(&d, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}
		return tx.Select(clause.Associations).Delete(&d).Error
	})
}

func (s *GormStore) CreateVolume(ctx context.Context, v *types.Volume) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	return mapWriteErr(s.db.WithContext(ctx).Create(v).Error)
}

func (s *GormStore) GetVolume(ctx context.Context, id string) (*types.Volume, error) {
	var v types.Volume
	err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	return &v, err
}

func (s *GormStore) GetVolumeByName(ctx context.Context, name string) (*types.Volume, error) {
	var v types.Volume
	err := s.db.WithContext(ctx).First(&v, "name = ?", name).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	return &v, err
}

func (s *GormStore) ListVolumes(ctx context.Context) ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.WithContext(ctx).Order("created_at").Find(&volumes).Error
	return volumes, err
}

func (s *GormStore) SetVolumeInUse(ctx context.Context, name string, inUse bool) error {
	res := s.db.WithContext(ctx).Model(&types.Volume{}).Where("name = ?", name).Update("in_use", inUse)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SetVolumeProvider(ctx context.Context, name, providerID string, status types.Status) error {
	res := s.db.WithContext(ctx).Model(&types.Volume{}).Where("name = ?", name).
		Updates(map[string]any{"provider_id": providerID, "status": status})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteVolume(ctx context.Context, id string) error {
	var v types.Volume
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	if v.InUse {
		return ErrConflict
	}
	return s.db.WithContext(ctx).Delete(&v).Error
}

func (s *GormStore) EndpointExists(ctx context.Context, clusterID string, accessType types.AccessType, value string, excludeDeploymentID string) (bool, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&types.AccessEndpoint{}).
		Joins("JOIN deployments ON deployments.id = access_endpoints.deployment_id").
		Where("deployments.cluster_id = ? AND access_endpoints.access_type = ? AND access_endpoints.value = ? AND access_endpoints.enabled = ?",
			clusterID, accessType, value, true)
	if excludeDeploymentID != "" {
		q = q.Where("access_endpoints.deployment_id <> ?", excludeDeploymentID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
