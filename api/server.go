package api

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/nutrivault/nutrivault/internal/auth"
	"github.com/nutrivault/nutrivault/internal/foods"
	"github.com/nutrivault/nutrivault/internal/middleware"
	"github.com/nutrivault/nutrivault/internal/policy"
	"github.com/nutrivault/nutrivault/internal/ratelimit"
)

// Server represents the API server
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	keys     *auth.Service
	limiter  *ratelimit.Limiter
	policies *policy.Resolver
	foods    *foods.Service
	cache    middleware.Cache

	adminJWTSecret string
}

// NewServer creates a new API server with injected services.
func NewServer(
	logger *zap.Logger,
	keys *auth.Service,
	limiter *ratelimit.Limiter,
	policies *policy.Resolver,
	foodsSvc *foods.Service,
	cache middleware.Cache,
	adminJWTSecret string,
) *Server {
	server := &Server{
		logger:         logger,
		keys:           keys,
		limiter:        limiter,
		policies:       policies,
		foods:          foodsSvc,
		cache:          cache,
		adminJWTSecret: adminJWTSecret,
	}

	router := gin.New()

	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("nutrivault-api"))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After", "X-Cache"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Admission-controlled data plane: API key auth, then tiered limits.
	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.APIKeyAuth(s.keys, s.logger))
	v1.Use(middleware.RateLimit(s.limiter, s.logger))
	{
		// Read-only nutrition data, response-cached. The key generators
		// normalize request parameters so equivalent queries share entries.
		v1.GET("/foods/search",
			middleware.ResponseCache(s.cache, s.logger, middleware.CachedRoute{
				KeyFn: searchCacheKey,
				TTL:   10 * time.Minute,
			}),
			s.searchFoods)
		v1.GET("/foods/:id",
			middleware.ResponseCache(s.cache, s.logger, middleware.CachedRoute{
				KeyFn: foodCacheKey,
				TTL:   time.Hour,
			}),
			s.getFood)

		v1.GET("/usage", s.getUsage)

		keys := v1.Group("/keys")
		{
			keys.GET("", s.listKeys)
			keys.POST("", s.createKey)
			keys.DELETE("/:id", s.revokeKey)
		}
	}

	// Operator plane: JWT-guarded, not API-key rate limited.
	admin := s.router.Group("/api/v1/admin")
	admin.Use(middleware.AdminAuth(s.adminJWTSecret))
	{
		admin.GET("/policy/:tier", s.getPolicy)
		admin.PUT("/policy/:tier", s.updatePolicy)
		admin.POST("/policy/:tier/reset", s.resetPolicy)
		admin.PUT("/foods", s.upsertFood)
	}
}

func searchCacheKey(c *gin.Context) string {
	q := c.Query("q")
	if q == "" {
		return ""
	}
	return fmt.Sprintf("foods:search:%s:%s", normalizeQuery(q), c.DefaultQuery("limit", "25"))
}

func foodCacheKey(c *gin.Context) string {
	id := c.Param("id")
	if id == "" {
		return ""
	}
	return "foods:id:" + id
}
