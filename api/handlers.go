package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nutrivault/nutrivault/internal/foods"
	"github.com/nutrivault/nutrivault/internal/middleware"
	"github.com/nutrivault/nutrivault/pkg/models"
)

var validate = validator.New()

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- foods ---

func (s *Server) searchFoods(c *gin.Context) {
	query := c.Query("q")
	if strings.TrimSpace(query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))

	results, err := s.foods.Search(c.Request.Context(), query, limit)
	if err != nil {
		s.logger.Error("Food search failed", zap.String("query", query), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (s *Server) getFood(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid food id"})
		return
	}

	food, err := s.foods.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, foods.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "food not found"})
			return
		}
		s.logger.Error("Food lookup failed", zap.String("id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, food)
}

// upsertFood writes a food entry and invalidates the foods cache namespace,
// so stale search results and detail pages disappear with the write.
func (s *Server) upsertFood(c *gin.Context) {
	var food models.Food
	if err := c.ShouldBindJSON(&food); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.StructPartial(&food, "Name"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.foods.Upsert(c.Request.Context(), &food); err != nil {
		s.logger.Error("Food upsert failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write failed"})
		return
	}

	deleted := s.cache.DeleteByPattern(c.Request.Context(), "foods:*")
	s.logger.Info("Foods cache invalidated after write",
		zap.String("food_id", food.ID.String()),
		zap.Int("entries", deleted))

	c.JSON(http.StatusOK, food)
}

// --- usage ---

func (s *Server) getUsage(c *gin.Context) {
	accountID := c.GetString(middleware.CtxAccountID)
	tier := models.TierFree
	if v, ok := c.Get(middleware.CtxTier); ok {
		if t, ok := v.(models.Tier); ok {
			tier = t
		}
	}

	report, err := s.limiter.Usage(c.Request.Context(), accountID, tier)
	if err != nil {
		s.logger.Error("Usage report failed", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage unavailable"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// --- api keys (self-service) ---

func (s *Server) listKeys(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	keys, err := s.keys.ListKeys(c.Request.Context(), user.ID)
	if err != nil {
		s.logger.Error("Key listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) createKey(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req models.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, secret, err := s.keys.CreateKey(c.Request.Context(), user.ID, req.Name, req.ExpiresAt)
	if err != nil {
		s.logger.Error("Key creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key creation failed"})
		return
	}

	c.JSON(http.StatusCreated, models.CreateKeyResponse{Key: key, Secret: secret})
}

func (s *Server) revokeKey(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}

	if err := s.keys.RevokeKey(c.Request.Context(), user.ID, keyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": keyID})
}

// --- admin policy ---

func (s *Server) getPolicy(c *gin.Context) {
	tier := models.Tier(c.Param("tier"))
	if !tier.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return
	}
	limits := s.policies.EffectiveLimits(c.Request.Context(), tier)
	c.JSON(http.StatusOK, gin.H{"tier": tier, "limits": limits})
}

func (s *Server) updatePolicy(c *gin.Context) {
	tier := models.Tier(c.Param("tier"))

	var req models.UpdatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	patch := models.TierLimitsPatch{
		MinuteLimit:  req.MinuteLimit,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
		Burst:        req.Burst,
	}
	limits, err := s.policies.UpdatePolicy(c.Request.Context(), tier, patch)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "limits": limits})
}

func (s *Server) resetPolicy(c *gin.Context) {
	tier := models.Tier(c.Param("tier"))

	limits, err := s.policies.ResetPolicy(c.Request.Context(), tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "limits": limits})
}

func currentUser(c *gin.Context) *models.User {
	v, ok := c.Get(middleware.CtxUser)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

// normalizeQuery lowercases and collapses whitespace so equivalent searches
// share one cache entry.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
