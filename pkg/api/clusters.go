package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/datainfrapilot/datainfrapilot/pkg/apierr"
	"github.com/datainfrapilot/datainfrapilot/pkg/security"
	"github.com/datainfrapilot/datainfrapilot/pkg/store"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

// dnsLabelPattern enforces the §4.1 name rule: 1-63 characters, lowercase
// alphanumeric and hyphen.
var dnsLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// PoolCreate is one pool entry of a ClusterCreate request.
type PoolCreate struct {
	Name         string         `json:"name" binding:"required"`
	Role         types.PoolRole `json:"role" binding:"required"`
	NodeType     string         `json:"node_type" binding:"required"`
	Region       string         `json:"region" binding:"required"`
	Count        *int           `json:"count"`
	AutoscaleMin *int           `json:"autoscale_min"`
	AutoscaleMax *int           `json:"autoscale_max"`
}

// ClusterCreate is the POST /clusters/ request body.
type ClusterCreate struct {
	Name                     string            `json:"name" binding:"required"`
	Provider                 string            `json:"provider" binding:"required"`
	ProviderConfig           map[string]string `json:"provider_config" binding:"required"`
	K3sVersion               string            `json:"k3s_version" binding:"required"`
	Domain                   string            `json:"domain"`
	Pools                    []PoolCreate      `json:"pools" binding:"required,min=1"`
	TraefikDashboardEnabled  bool              `json:"traefik_dashboard_enabled"`
	TraefikDashboardUsername string            `json:"traefik_dashboard_username"`
	TraefikDashboardPassword string            `json:"traefik_dashboard_password"`
}

func validateClusterName(name string) error {
	if !dnsLabelPattern.MatchString(name) {
		return apierr.Validation("name must be 1-63 characters matching [a-z0-9-], cannot start or end with a hyphen")
	}
	return nil
}

func validatePools(pools []PoolCreate) error {
	controlPlaneCount := 0
	for _, p := range pools {
		if p.Role == types.PoolRoleControlPlane {
			controlPlaneCount++
			if p.Count == nil || *p.Count != 1 {
				return apierr.Validation("the control-plane pool must have count exactly 1")
			}
			continue
		}
		switch {
		case p.Count != nil:
			if *p.Count < 1 || *p.Count > 20 {
				return apierr.Validation("pool %q count must be between 1 and 20", p.Name)
			}
		case p.AutoscaleMin != nil && p.AutoscaleMax != nil:
			if *p.AutoscaleMin < 0 || *p.AutoscaleMin > 10 {
				return apierr.Validation("pool %q autoscale_min must be between 0 and 10", p.Name)
			}
			if *p.AutoscaleMax < 1 || *p.AutoscaleMax > 10 {
				return apierr.Validation("pool %q autoscale_max must be between 1 and 10", p.Name)
			}
			if *p.AutoscaleMin > *p.AutoscaleMax {
				return apierr.Validation("pool %q autoscale_min must not exceed autoscale_max", p.Name)
			}
		default:
			return apierr.Validation("pool %q must set count or both autoscale_min and autoscale_max", p.Name)
		}
	}
	if controlPlaneCount != 1 {
		return apierr.Validation("exactly one pool must have role control-plane, got %d", controlPlaneCount)
	}
	return nil
}

func (s *Server) listClusters(c *gin.Context) {
	clusters, err := s.store.ListClusters(c.Request.Context())
	if err != nil {
		respondError(c, apierr.Internal("list clusters", err))
		return
	}
	redacted := make([]types.Cluster, 0, len(clusters))
	for _, cl := range clusters {
		redacted = append(redacted, cl.Redacted())
	}
	c.JSON(http.StatusOK, redacted)
}

func (s *Server) createCluster(c *gin.Context) {
	var req ClusterCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("%v", err))
		return
	}
	if err := validateClusterName(req.Name); err != nil {
		respondError(c, err)
		return
	}
	if err := validatePools(req.Pools); err != nil {
		respondError(c, err)
		return
	}
	if !s.providers.Has(req.Provider) {
		respondError(c, apierr.Validation("provider %q is not implemented", req.Provider))
		return
	}

	cluster := &types.Cluster{
		Name:                     req.Name,
		Provider:                 req.Provider,
		ProviderConfig:           req.ProviderConfig,
		K3sVersion:               req.K3sVersion,
		Domain:                   req.Domain,
		Status:                   types.StatusPending,
		TraefikDashboardEnabled:  req.TraefikDashboardEnabled,
		TraefikDashboardUsername: req.TraefikDashboardUsername,
	}
	for _, p := range req.Pools {
		cluster.Pools = append(cluster.Pools, types.Pool{
			Name: p.Name, Role: p.Role, NodeType: p.NodeType, Region: p.Region,
			Count: p.Count, AutoscaleMin: p.AutoscaleMin, AutoscaleMax: p.AutoscaleMax,
		})
	}
	if req.TraefikDashboardEnabled {
		hash, err := security.HashPassword(req.TraefikDashboardPassword)
		if err != nil {
			respondError(c, apierr.Internal("hash traefik dashboard password", err))
			return
		}
		cluster.TraefikDashboardPasswordHash = hash
	}

	if err := s.store.CreateCluster(c.Request.Context(), cluster); err != nil {
		if errors.Is(err, store.ErrConflict) {
			respondError(c, apierr.Conflict("cluster name %q already exists", req.Name))
			return
		}
		respondError(c, apierr.Internal("create cluster", err))
		return
	}

	if err := s.orchestrator.SubmitCreateCluster(cluster.ID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.UpdateClusterStatus(c.Request.Context(), cluster.ID, types.StatusCreating, ""); err != nil {
		respondError(c, apierr.Internal("persist creating status", err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": cluster.Name, "status": types.StatusCreating})
}

func (s *Server) getCluster(c *gin.Context) {
	cluster, err := s.store.GetCluster(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, mapStoreErr(err, "cluster"))
		return
	}
	c.JSON(http.StatusOK, cluster.Redacted())
}

func (s *Server) deleteCluster(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetCluster(c.Request.Context(), id); err != nil {
		respondError(c, mapStoreErr(err, "cluster"))
		return
	}
	if err := s.orchestrator.SubmitDeleteCluster(id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) getKubeconfig(c *gin.Context) {
	cluster, err := s.store.GetCluster(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, mapStoreErr(err, "cluster"))
		return
	}
	if cluster.Status != types.StatusRunning {
		respondError(c, apierr.Conflict("cluster is %s, not running", cluster.Status))
		return
	}
	kubeconfig, err := s.orchestrator.FetchKubeconfig(c.Request.Context(), cluster)
	if err != nil {
		respondError(c, apierr.Kube("fetch kubeconfig", err))
		return
	}
	c.String(http.StatusOK, kubeconfig)
}

// mapStoreErr translates store.ErrNotFound into the §7 not_found code;
// every other store failure is unexpected and maps to internal_error.
func mapStoreErr(err error, entity string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound("%s not found", entity)
	}
	return apierr.Internal(fmt.Sprintf("load %s", entity), err)
}
