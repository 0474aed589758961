package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ticktalk/ticktalk/internal/handlers"
)

func registerSessionRoutes(api *gin.RouterGroup, handler *handlers.SessionHandler) {
	sessions := api.Group("/sessions")
	{
		sessions.GET("", handler.List)
		sessions.POST("", handler.Create)
		sessions.GET("/:id", handler.Get)
		sessions.GET("/:id/view", handler.View)
		sessions.GET("/:id/summary", handler.Summary)
		sessions.POST("/:id/join", handler.Join)
		sessions.POST("/:id/leave", handler.Leave)
		sessions.POST("/:id/start", handler.Start)
		sessions.POST("/:id/end", handler.End)
		sessions.POST("/:id/speaker", handler.SelectSpeaker)
		sessions.DELETE("/:id/speaker", handler.EndSlot)
		sessions.POST("/:id/hand", handler.Hand)
		sessions.POST("/:id/host", handler.PromoteHost)
		sessions.POST("/:id/heartbeat", handler.Heartbeat)
	}
}

// The stream route skips the rate limiter: a websocket is one long request.
func registerStreamRoutes(api *gin.RouterGroup, handler *handlers.StreamHandler) {
	api.GET("/sessions/:id/stream", handler.Stream)
}
