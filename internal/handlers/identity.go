package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/ticktalk/ticktalk/internal/auth"
	appErrors "github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/response"
)

// IdentityHandler hands out anonymous participant identities.
type IdentityHandler struct {
	jwt *iauth.JWTService
}

// NewIdentityHandler constructs an identity handler.
func NewIdentityHandler(jwt *iauth.JWTService) (*IdentityHandler, error) {
	if jwt == nil {
		return nil, errors.New("identity handler: jwt service is required")
	}
	return &IdentityHandler{jwt: jwt}, nil
}

type issueIdentityRequest struct {
	DisplayName string `json:"display_name" validate:"omitempty,max=64"`
}

// POST /api/identity
func (h *IdentityHandler) Issue(c *gin.Context) {
	var req issueIdentityRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	identity, err := h.jwt.IssueIdentity(req.DisplayName)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, "Failed to issue identity"))
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"user_id":      identity.UserID,
		"display_name": identity.DisplayName,
		"access_token": identity.Token,
		"expires_at":   identity.ExpiresAt,
		"expires_in":   int(h.jwt.TTL().Seconds()),
	})
}
