package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ticktalk/ticktalk/internal/realtime"
	"github.com/ticktalk/ticktalk/internal/services"
	appErrors "github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/response"
)

// StreamHandler upgrades participants into the realtime feed of a session.
type StreamHandler struct {
	hub       *realtime.Hub
	feed      *realtime.SessionFeed
	lifecycle *services.SessionLifecycleService
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(hub *realtime.Hub, feed *realtime.SessionFeed, lifecycle *services.SessionLifecycleService) (*StreamHandler, error) {
	if hub == nil || feed == nil || lifecycle == nil {
		return nil, errors.New("stream handler: hub, feed and lifecycle service are required")
	}
	return &StreamHandler{hub: hub, feed: feed, lifecycle: lifecycle}, nil
}

// GET /api/sessions/:id/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	sessionID := c.Param("id")
	doc, err := h.lifecycle.GetSession(requestContext(c), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !doc.IsParticipant(userID) {
		response.Error(c, appErrors.ErrNotAParticipant)
		return
	}

	h.hub.Serve(realtime.SessionStream(sessionID), userID, h.feed.Hooks(), c.Writer, c.Request)
}
