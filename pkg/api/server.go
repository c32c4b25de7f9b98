// Package api is the REST surface (C10): a gin router exposing cluster,
// deployment, application catalog, and volume endpoints over the
// orchestrator and store, documented with swaggo and instrumented with
// gin-prometheus.
//
// @title DataInfraPilot API
// @version 1.0
// @description Control plane for provisioning k3s clusters on Hetzner Cloud and installing data-engineering applications onto them.
// @BasePath /api/v1
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	ginprometheus "github.com/zsais/go-gin-prometheus"

	_ "github.com/datainfrapilot/datainfrapilot/docs"
	"github.com/datainfrapilot/datainfrapilot/pkg/catalog"
	"github.com/datainfrapilot/datainfrapilot/pkg/log"
	"github.com/datainfrapilot/datainfrapilot/pkg/metrics"
	"github.com/datainfrapilot/datainfrapilot/pkg/orchestrator"
	"github.com/datainfrapilot/datainfrapilot/pkg/provider"
	"github.com/datainfrapilot/datainfrapilot/pkg/store"
)

// APIRoute is the base path every resource route is mounted under.
const APIRoute = "/api/v1"

// Server wires the gin router to the orchestrator and store. Debug controls
// gin's mode; production deployments run in gin.ReleaseMode.
type Server struct {
	router       *gin.Engine
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	catalog      *catalog.Catalog
	providers    *provider.Registry
	healthCheck  healthCheckClient
}

// New builds a Server with every route registered and ready to serve.
func New(s store.Store, orch *orchestrator.Orchestrator, cat *catalog.Catalog, providers *provider.Registry, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &Server{
		store:        s,
		orchestrator: orch,
		catalog:      cat,
		providers:    providers,
		healthCheck:  newRestyHealthCheckClient(),
	}

	srv.router = gin.New()
	srv.router.Use(gin.Recovery())
	srv.router.Use(requestLogger())

	p := ginprometheus.NewPrometheus("dip_api")
	p.Use(srv.router)

	srv.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	srv.router.GET("/healthz", gin.WrapF(metrics.LivenessHandler()))
	srv.router.GET("/readyz", gin.WrapF(metrics.ReadyHandler()))

	metrics.RegisterComponent("api", true, "")
	srv.loadRoutes()
	return srv
}

// Engine exposes the underlying gin.Engine for the serve command's
// http.Server and for tests that
// want to drive requests with httptest.
func (s *Server) Engine() *gin.Engine { return s.router }

// requestLogger logs each request through the shared zerolog logger,
// matching the level/field conventions pkg/log establishes elsewhere.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}

func (s *Server) loadRoutes() {
	v1 := s.router.Group(APIRoute)

	clusters := v1.Group("/clusters")
	clusters.GET("", s.listClusters)
	clusters.POST("", s.createCluster)
	clusters.GET("/:id", s.getCluster)
	clusters.DELETE("/:id", s.deleteCluster)
	clusters.GET("/:id/kubeconfig", s.getKubeconfig)
	clusters.POST("/:id/deployments", s.createDeployment)
	clusters.POST("/:id/deployments/check-endpoint-existence", s.checkEndpointExistence)
	clusters.POST("/:id/deployments/:deploymentId", s.updateDeployment)
	clusters.DELETE("/:id/deployments/:deploymentId", s.deleteDeployment)
	clusters.GET("/:id/deployments/:deploymentId/credentials", s.getDeploymentCredentials)

	applications := v1.Group("/applications")
	applications.GET("/:id/versions", s.getApplicationVersions)
	applications.GET("/:id/access_endpoints", s.getApplicationAccessEndpoints)

	volumes := v1.Group("/volumes")
	volumes.GET("", s.listVolumes)
	volumes.POST("", s.createVolume)
	volumes.DELETE("/:id", s.deleteVolume)

	deployments := v1.Group("/deployments")
	deployments.GET("/proxy-health-check", s.proxyHealthCheck)
}
