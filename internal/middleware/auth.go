// Package middleware contains the gin middlewares for admission control:
// API key authentication, tiered rate limiting, response caching, and the
// JWT guard on administrative routes.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nutrivault/nutrivault/internal/auth"
)

// Context keys populated by APIKeyAuth for downstream handlers.
const (
	CtxUser      = "user"
	CtxAPIKey    = "apiKey"
	CtxAccountID = "accountID"
	CtxTier      = "tier"
)

// APIKeyAuth authenticates the request's API key and stores the resolved
// account on the context. Every failure is a 401, distinct from throttling;
// internal lookup errors are logged but never surfaced as a separate shape.
func APIKeyAuth(keys *auth.Service, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := extractKey(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			return
		}

		key, user, err := keys.Validate(c.Request.Context(), presented)
		if err != nil {
			reason := "invalid API key"
			switch {
			case errors.Is(err, auth.ErrKeyRevoked):
				reason = "API key revoked"
			case errors.Is(err, auth.ErrKeyExpired):
				reason = "API key expired"
			case errors.Is(err, auth.ErrInvalidKey):
			default:
				logger.Error("API key validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
			return
		}

		c.Set(CtxUser, user)
		c.Set(CtxAPIKey, key)
		c.Set(CtxAccountID, user.ID.String())
		c.Set(CtxTier, user.Tier)
		c.Next()
	}
}

// extractKey pulls the credential from the Authorization bearer header or
// the X-API-Key header.
func extractKey(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("X-API-Key")
}
