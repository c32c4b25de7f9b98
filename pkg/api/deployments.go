package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/datainfrapilot/datainfrapilot/pkg/apierr"
	"github.com/datainfrapilot/datainfrapilot/pkg/catalog"
	"github.com/datainfrapilot/datainfrapilot/pkg/store"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

// EndpointConfig is one entry of a DeploymentCreate/Update request's
// endpoint list, and also the body of check-endpoint-existence.
type EndpointConfig struct {
	Name       string           `json:"name" binding:"required"`
	AccessType types.AccessType `json:"access_type" binding:"required"`
	Value      string           `json:"value" binding:"required"`
	Enabled    bool             `json:"enabled"`
}

// VolumeBindingCreate references an existing volume by name, or requests a
// new one be created alongside the deployment.
type VolumeBindingCreate struct {
	VolumeName string `json:"volume_name" binding:"required"`
	CreateNew  bool   `json:"create_new"`
	SizeGiB    int    `json:"size_gib"`
}

// DeploymentCreate is the POST /clusters/{id}/deployments request body.
type DeploymentCreate struct {
	Name           string                `json:"name" binding:"required"`
	ApplicationID  string                `json:"application_id" binding:"required"`
	Config         map[string]any        `json:"config" binding:"required"`
	Endpoints      []EndpointConfig      `json:"endpoints"`
	VolumeBindings []VolumeBindingCreate `json:"volume_bindings"`
}

// DeploymentUpdate is the POST /clusters/{id}/deployments/{did} request
// body; it carries only the mutable fields.
type DeploymentUpdate struct {
	Config    map[string]any   `json:"config" binding:"required"`
	Endpoints []EndpointConfig `json:"endpoints"`
}

// normalizeEndpointValue applies the admission-time normalization law from
// §8: normalizing an already-normalized value is a no-op.
func normalizeEndpointValue(accessType types.AccessType, value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch accessType {
	case types.AccessTypeDomainPath, types.AccessTypeClusterIPPath:
		if !strings.HasPrefix(value, "/") {
			value = "/" + value
		}
	}
	return value
}

func (s *Server) createDeployment(c *gin.Context) {
	clusterID := c.Param("id")
	cluster, err := s.store.GetCluster(c.Request.Context(), clusterID)
	if err != nil {
		respondError(c, mapStoreErr(err, "cluster"))
		return
	}
	if cluster.Status != types.StatusRunning {
		respondError(c, apierr.Conflict("cluster is %s, not running", cluster.Status))
		return
	}

	var req DeploymentCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("%v", err))
		return
	}
	app, err := s.catalog.Get(req.ApplicationID)
	if err != nil {
		respondError(c, apierr.Validation("unknown application %q", req.ApplicationID))
		return
	}
	req.Config = catalog.ApplyDefaults(app, req.Config)
	if errs := catalog.Validate(app, req.Config); len(errs) > 0 {
		respondError(c, apierr.Validation("%s", errs[0].String()))
		return
	}

	deployment := &types.Deployment{
		ClusterID:     clusterID,
		Name:          req.Name,
		ApplicationID: req.ApplicationID,
		Config:        req.Config,
		Status:        types.StatusPending,
	}
	if err := s.buildEndpoints(c, clusterID, deployment, req.Endpoints, app); err != nil {
		respondError(c, err)
		return
	}
	if err := s.buildVolumeBindings(c, cluster, req.VolumeBindings); err != nil {
		respondError(c, err)
		return
	}
	for _, b := range req.VolumeBindings {
		deployment.VolumeBindings = append(deployment.VolumeBindings, types.VolumeBinding{VolumeName: b.VolumeName})
	}

	if err := s.store.CreateDeployment(c.Request.Context(), deployment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			respondError(c, apierr.Conflict("deployment %q already exists on this cluster", req.Name))
			return
		}
		respondError(c, apierr.Internal("create deployment", err))
		return
	}
	if err := s.orchestrator.SubmitCreateDeployment(clusterID, deployment.ID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.UpdateDeploymentStatus(c.Request.Context(), deployment.ID, types.StatusDeploying, ""); err != nil {
		respondError(c, apierr.Internal("persist deploying status", err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": deployment.ID, "status": types.StatusDeploying})
}

func (s *Server) updateDeployment(c *gin.Context) {
	clusterID, deploymentID := c.Param("id"), c.Param("deploymentId")
	deployment, err := s.store.GetDeployment(c.Request.Context(), clusterID, deploymentID)
	if err != nil {
		respondError(c, mapStoreErr(err, "deployment"))
		return
	}

	var req DeploymentUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("%v", err))
		return
	}
	app, err := s.catalog.Get(deployment.ApplicationID)
	if err != nil {
		respondError(c, apierr.Internal("resolve application", err))
		return
	}
	req.Config = catalog.ApplyDefaults(app, req.Config)
	if errs := catalog.Validate(app, req.Config); len(errs) > 0 {
		respondError(c, apierr.Validation("%s", errs[0].String()))
		return
	}

	deployment.Config = req.Config
	if len(req.Endpoints) > 0 {
		deployment.Endpoints = nil
		if err := s.buildEndpoints(c, clusterID, deployment, req.Endpoints, app); err != nil {
			respondError(c, err)
			return
		}
	}
	if err := s.store.UpdateDeployment(c.Request.Context(), deployment); err != nil {
		respondError(c, apierr.Internal("persist deployment update", err))
		return
	}
	if err := s.orchestrator.SubmitUpdateDeployment(clusterID, deploymentID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.UpdateDeploymentStatus(c.Request.Context(), deployment.ID, types.StatusUpdating, ""); err != nil {
		respondError(c, apierr.Internal("persist updating status", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": deployment.ID, "status": types.StatusUpdating})
}

func (s *Server) deleteDeployment(c *gin.Context) {
	clusterID, deploymentID := c.Param("id"), c.Param("deploymentId")
	if _, err := s.store.GetDeployment(c.Request.Context(), clusterID, deploymentID); err != nil {
		respondError(c, mapStoreErr(err, "deployment"))
		return
	}
	if err := s.orchestrator.SubmitDeleteDeployment(clusterID, deploymentID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) getDeploymentCredentials(c *gin.Context) {
	clusterID, deploymentID := c.Param("id"), c.Param("deploymentId")
	deployment, err := s.store.GetDeployment(c.Request.Context(), clusterID, deploymentID)
	if err != nil {
		respondError(c, mapStoreErr(err, "deployment"))
		return
	}
	if deployment.Status != types.StatusRunning {
		respondError(c, apierr.Conflict("deployment is %s, not running", deployment.Status))
		return
	}
	username, password, err := s.orchestrator.GetDeploymentCredentials(c.Request.Context(), clusterID, deploymentID)
	if err != nil {
		respondError(c, apierr.Kube("read credentials", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "password": password})
}

func (s *Server) checkEndpointExistence(c *gin.Context) {
	clusterID := c.Param("id")
	var req EndpointConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("%v", err))
		return
	}
	value := normalizeEndpointValue(req.AccessType, req.Value)
	exists, err := s.store.EndpointExists(c.Request.Context(), clusterID, req.AccessType, value, "")
	if err != nil {
		respondError(c, apierr.Internal("check endpoint existence", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

// buildEndpoints fills deployment.Endpoints from req, falling back to the
// application's schema defaults for any endpoint the caller omitted, and
// re-validates uniqueness server-side (§4.9's "advisory client check").
func (s *Server) buildEndpoints(c *gin.Context, clusterID string, deployment *types.Deployment, req []EndpointConfig, app *types.Application) error {
	byName := make(map[string]EndpointConfig, len(req))
	for _, e := range req {
		byName[e.Name] = e
	}

	for _, schema := range app.Endpoints {
		e, ok := byName[schema.Name]
		if !ok {
			e = EndpointConfig{Name: schema.Name, AccessType: schema.DefaultType, Value: schema.DefaultValue, Enabled: schema.Required}
		}
		if !e.Enabled && schema.Required {
			return apierr.Validation("endpoint %q is required and cannot be disabled", schema.Name)
		}
		value := normalizeEndpointValue(e.AccessType, e.Value)
		if e.Enabled {
			exists, err := s.store.EndpointExists(c.Request.Context(), clusterID, e.AccessType, value, deployment.ID)
			if err != nil {
				return apierr.Internal("check endpoint uniqueness", err)
			}
			if exists {
				return apierr.Conflict("endpoint %s=%s already in use on this cluster", e.AccessType, value)
			}
		}
		deployment.Endpoints = append(deployment.Endpoints, types.AccessEndpoint{
			Name: schema.Name, AccessType: e.AccessType, Value: value, Enabled: e.Enabled, Required: schema.Required,
		})
	}
	return nil
}

// buildVolumeBindings validates that every referenced existing volume exists,
// and creates the bookkeeping row for every create_new binding up front so
// the orchestrator has a Volume row to provision against at install time.
func (s *Server) buildVolumeBindings(c *gin.Context, cluster *types.Cluster, req []VolumeBindingCreate) error {
	for _, b := range req {
		if !b.CreateNew {
			if _, err := s.store.GetVolumeByName(c.Request.Context(), b.VolumeName); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return apierr.NotFound("volume %q not found", b.VolumeName)
				}
				return apierr.Internal("load volume", err)
			}
			continue
		}
		if b.SizeGiB < 10 || b.SizeGiB > 1000 {
			return apierr.Validation("size_gib must be between 10 and 1000")
		}
		volume := &types.Volume{
			Name:     b.VolumeName,
			SizeGiB:  b.SizeGiB,
			RegionID: controlPlaneRegion(cluster),
			Status:   types.StatusPending,
		}
		if err := s.store.CreateVolume(c.Request.Context(), volume); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apierr.Conflict("volume name %q already exists", b.VolumeName)
			}
			return apierr.Internal("create volume", err)
		}
	}
	return nil
}

func controlPlaneRegion(cluster *types.Cluster) string {
	for _, p := range cluster.Pools {
		if p.Role == types.PoolRoleControlPlane {
			return p.Region
		}
	}
	return ""
}
