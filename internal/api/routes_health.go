package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ticktalk/ticktalk/internal/handlers"
)

func registerHealthRoutes(r *gin.Engine, checks map[string]handlers.HealthCheck) {
	health := handlers.Health(checks)
	r.GET("/health", health)
	r.GET("/api/health", health)
}
