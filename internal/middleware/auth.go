package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/ticktalk/ticktalk/internal/auth"
	"github.com/ticktalk/ticktalk/pkg/errors"
	"github.com/ticktalk/ticktalk/pkg/response"
)

const (
	CtxClaimsKey      = "authClaims"
	CtxUserIDKey      = "userID"
	CtxDisplayNameKey = "displayName"
)

// Auth enforces JWT authentication using the supplied JWT service.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		if claims.DisplayName != "" {
			c.Set(CtxDisplayNameKey, claims.DisplayName)
		}

		c.Next()
	}
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter browsers use for websocket upgrades.
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("access_token"))
}
