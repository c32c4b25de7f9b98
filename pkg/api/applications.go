package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datainfrapilot/datainfrapilot/pkg/apierr"
)

func (s *Server) getApplicationVersions(c *gin.Context) {
	versions, err := s.catalog.Versions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, apierr.NotFound("unknown application %q", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (s *Server) getApplicationAccessEndpoints(c *gin.Context) {
	endpoints, err := s.catalog.AccessEndpoints(c.Param("id"))
	if err != nil {
		respondError(c, apierr.NotFound("unknown application %q", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, endpoints)
}
