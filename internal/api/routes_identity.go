package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ticktalk/ticktalk/internal/handlers"
)

func registerIdentityRoutes(api *gin.RouterGroup, handler *handlers.IdentityHandler) {
	api.POST("/identity", handler.Issue)
}
