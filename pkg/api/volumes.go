package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datainfrapilot/datainfrapilot/pkg/apierr"
	"github.com/datainfrapilot/datainfrapilot/pkg/store"
	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

// VolumeCreate is the POST /volumes request body. Creating a volume writes
// only its bookkeeping row; the provider block volume is provisioned the
// first time a deployment binds it.
type VolumeCreate struct {
	Name        string `json:"name" binding:"required"`
	SizeGiB     int    `json:"size_gib" binding:"required,min=10,max=1000"`
	RegionID    string `json:"region_id" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) listVolumes(c *gin.Context) {
	volumes, err := s.store.ListVolumes(c.Request.Context())
	if err != nil {
		respondError(c, apierr.Internal("list volumes", err))
		return
	}
	c.JSON(http.StatusOK, volumes)
}

func (s *Server) createVolume(c *gin.Context) {
	var req VolumeCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("%v", err))
		return
	}
	volume := &types.Volume{
		Name:        req.Name,
		SizeGiB:     req.SizeGiB,
		RegionID:    req.RegionID,
		Description: req.Description,
		Status:      types.StatusRunning,
	}
	if err := s.store.CreateVolume(c.Request.Context(), volume); err != nil {
		if errors.Is(err, store.ErrConflict) {
			respondError(c, apierr.Conflict("volume name %q already exists", req.Name))
			return
		}
		respondError(c, apierr.Internal("create volume", err))
		return
	}
	c.JSON(http.StatusCreated, volume)
}

func (s *Server) deleteVolume(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteVolume(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, apierr.NotFound("volume not found"))
			return
		}
		if errors.Is(err, store.ErrConflict) {
			respondError(c, apierr.Conflict("volume is in use by a deployment"))
			return
		}
		respondError(c, apierr.Internal("delete volume", err))
		return
	}
	c.Status(http.StatusAccepted)
}
