package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nutrivault/nutrivault/pkg/metrics"
)

// Cache is the subset of the cache service the response cache needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	DeleteByPattern(ctx context.Context, pattern string) int
}

// CachedRoute maps a read-only endpoint to its cache key generator and TTL.
// The route-to-generator mapping is static configuration: adding a cached
// endpoint is a data change in the server's route table.
type CachedRoute struct {
	KeyFn func(*gin.Context) string
	TTL   time.Duration
}

// ResponseCache wraps an idempotent read handler with cache-aside semantics.
// A hit serves the stored payload and skips the handler entirely; a miss
// runs the handler and stores a 200 response asynchronously, best-effort.
func ResponseCache(cache Cache, logger *zap.Logger, route CachedRoute) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := route.KeyFn(c)
		if key == "" {
			c.Next()
			return
		}

		if body, ok := cache.Get(c.Request.Context(), key); ok {
			metrics.CacheHits.WithLabelValues("response").Inc()
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(body))
			c.Abort()
			return
		}
		metrics.CacheMisses.WithLabelValues("response").Inc()

		w := &bodyCaptureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Header("X-Cache", "MISS")

		c.Next()

		if w.Status() != http.StatusOK || w.body.Len() == 0 {
			return
		}

		body := w.body.String()
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Panic in async cache write", zap.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			cache.Set(ctx, key, body, route.TTL)
		}()
	}
}

// bodyCaptureWriter tees the response body so it can be cached after the
// handler runs.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
