package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nutrivault/nutrivault/internal/ratelimit"
	"github.com/nutrivault/nutrivault/pkg/models"
)

// RateLimit runs the admission check for the authenticated account and
// annotates the response with quota headers. Requires APIKeyAuth upstream.
func RateLimit(limiter *ratelimit.Limiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.GetString(CtxAccountID)
		tier := models.TierFree
		if v, ok := c.Get(CtxTier); ok {
			if t, ok := v.(models.Tier); ok {
				tier = t
			}
		}

		res := limiter.Check(c.Request.Context(), accountID, tier)
		setQuotaHeaders(c, res)

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
			c.Header("X-RateLimit-Limit-Type", res.LimitType)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit exceeded",
				"limit_type":          res.LimitType,
				"retry_after_seconds": res.RetryAfter,
			})
			return
		}

		c.Next()
	}
}

func setQuotaHeaders(c *gin.Context, res *ratelimit.Result) {
	c.Header("X-RateLimit-Limit-Minute", strconv.FormatInt(res.Minute.Limit, 10))
	c.Header("X-RateLimit-Remaining-Minute", strconv.FormatInt(res.Minute.Remaining, 10))
	c.Header("X-RateLimit-Limit-Day", strconv.FormatInt(res.Daily.Limit, 10))
	c.Header("X-RateLimit-Remaining-Day", strconv.FormatInt(res.Daily.Remaining, 10))
}
