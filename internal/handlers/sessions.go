package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ticktalk/ticktalk/internal/projection"
	"github.com/ticktalk/ticktalk/internal/services"
	"github.com/ticktalk/ticktalk/pkg/response"
)

// SessionHandler exposes the meeting lifecycle, turn taking and presence over HTTP.
type SessionHandler struct {
	lifecycle *services.SessionLifecycleService
	turns     *services.TurnCoordinator
	presence  *services.PresenceService
	policy    services.Policy
	now       func() time.Time
}

// SessionHandlerOption customises the handler.
type SessionHandlerOption func(*SessionHandler)

// WithHandlerClock overrides the clock used for projected views (test helper).
func WithHandlerClock(now func() time.Time) SessionHandlerOption {
	return func(h *SessionHandler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewSessionHandler constructs the session handler.
func NewSessionHandler(lifecycle *services.SessionLifecycleService, turns *services.TurnCoordinator, presence *services.PresenceService, policy services.Policy, opts ...SessionHandlerOption) (*SessionHandler, error) {
	if lifecycle == nil || turns == nil || presence == nil {
		return nil, errors.New("session handler: lifecycle, turn and presence services are required")
	}
	h := &SessionHandler{
		lifecycle: lifecycle,
		turns:     turns,
		presence:  presence,
		policy:    policy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type createSessionRequest struct {
	HostName            string `json:"host_name" validate:"required,notblank,max=64"`
	SlotDurationSeconds int    `json:"slot_duration_seconds" validate:"gte=0"`
}

type joinSessionRequest struct {
	Name string `json:"name" validate:"required,notblank,max=64"`
}

type userTargetRequest struct {
	UserID string `json:"user_id" validate:"required,notblank"`
}

type handRequest struct {
	Raised *bool `json:"raised"`
}

// GET /api/sessions
func (h *SessionHandler) List(c *gin.Context) {
	summaries, err := h.lifecycle.ListSessions(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, summaries, &response.Meta{Total: len(summaries)})
}

// POST /api/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	doc, err := h.lifecycle.CreateSession(requestContext(c), services.CreateSessionParams{
		HostID:              userID,
		HostName:            req.HostName,
		SlotDurationSeconds: req.SlotDurationSeconds,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, doc)
}

// GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	doc, err := h.lifecycle.GetSession(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, doc)
}

// GET /api/sessions/:id/view
func (h *SessionHandler) View(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	doc, err := h.lifecycle.GetSession(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, projection.View(doc, userID, h.now(), h.policy.Capabilities(doc, userID)))
}

// GET /api/sessions/:id/summary
func (h *SessionHandler) Summary(c *gin.Context) {
	doc, err := h.lifecycle.GetSession(requestContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, projection.MeetingSummary(doc))
}

// POST /api/sessions/:id/join
func (h *SessionHandler) Join(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req joinSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	doc, err := h.lifecycle.JoinSession(requestContext(c), c.Param("id"), userID, req.Name)
	h.respond(c, doc, err)
}

// POST /api/sessions/:id/leave
func (h *SessionHandler) Leave(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	doc, err := h.lifecycle.LeaveSession(requestContext(c), c.Param("id"), userID)
	h.respond(c, doc, err)
}

// POST /api/sessions/:id/start
func (h *SessionHandler) Start(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	doc, err := h.lifecycle.StartMeeting(requestContext(c), c.Param("id"), services.AsUser(userID))
	h.respond(c, doc, err)
}

// POST /api/sessions/:id/end
func (h *SessionHandler) End(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	doc, err := h.turns.EndMeeting(requestContext(c), c.Param("id"), services.AsUser(userID))
	h.respond(c, doc, err)
}

// POST /api/sessions/:id/speaker
func (h *SessionHandler) SelectSpeaker(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req userTargetRequest
	if !bindAndValidate(c, &req) {
		return
	}
	doc, err := h.turns.SelectNextSpeaker(requestContext(c), c.Param("id"), req.UserID, services.AsUser(userID))
	h.respond(c, doc, err)
}

// DELETE /api/sessions/:id/speaker
func (h *SessionHandler) EndSlot(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	doc, err := h.turns.EndCurrentSlot(requestContext(c), c.Param("id"), services.AsUser(userID))
	h.respond(c, doc, err)
}

// POST /api/sessions/:id/hand
func (h *SessionHandler) Hand(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req handRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ctx := requestContext(c)
	if req.Raised == nil {
		doc, err := h.lifecycle.ToggleHandRaise(ctx, c.Param("id"), userID)
		h.respond(c, doc, err)
		return
	}
	doc, err := h.lifecycle.SetHandRaised(ctx, c.Param("id"), userID, *req.Raised)
	h.respond(c, doc, err)
}

// POST /api/sessions/:id/host
func (h *SessionHandler) PromoteHost(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req userTargetRequest
	if !bindAndValidate(c, &req) {
		return
	}
	doc, err := h.presence.PromoteHost(requestContext(c), c.Param("id"), req.UserID, services.AsUser(userID))
	h.respond(c, doc, err)
}

// POST /api/sessions/:id/heartbeat
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	doc, err := h.presence.Heartbeat(requestContext(c), c.Param("id"), userID)
	h.respond(c, doc, err)
}

func (h *SessionHandler) respond(c *gin.Context, doc any, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, doc)
}
