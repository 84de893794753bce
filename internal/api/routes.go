package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with all routes registered.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", h.Health)

		v1.POST("/sync/:provider/:scope", h.RequestSync)
		v1.GET("/sync/targets", h.ListTargets)

		v1.GET("/jobs", h.ListJobs)
		v1.GET("/jobs/:id", h.GetJob)

		v1.POST("/auth/:provider/exchange", h.ExchangeCode)
	}

	return router
}
