package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datainfrapilot/datainfrapilot/pkg/apierr"
	"github.com/datainfrapilot/datainfrapilot/pkg/log"
	"github.com/datainfrapilot/datainfrapilot/pkg/orchestrator"
)

// respondError maps any error to the §7 taxonomy and writes the
// {detail: string} body; internal error details are logged, never
// returned to the client. A full command queue is not part of the §7
// taxonomy (it is not an application error at all), so it maps straight to
// 503 instead of through apierr.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, orchestrator.ErrQueueFull) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "cluster command queue is full, retry shortly"})
		return
	}
	apiErr := apierr.As(err)
	if apiErr.Err != nil {
		log.Error(fmt.Sprintf("request failed: %s: %v", apiErr.Detail, apiErr.Err))
	}
	c.JSON(apiErr.Status(), gin.H{"detail": apiErr.Detail})
}
