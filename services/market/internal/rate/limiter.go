package rate

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"log/slog"

	"github.com/gridex-energy/gridex/libs/auth"
)

type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// Middleware limits mutating market calls per account and operation.
// Limiter errors fail open: a broken redis must not take trading down.
func Middleware(limiter Limiter, operation string, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		key := operation + ":" + clientKey(c)
		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key, time.Now())
		if err != nil {
			logger.Error("rate limiter error", "operation", operation, "error", err)
			c.Next()
			return
		}
		if !allowed {
			seconds := int(retryAfter / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if val, ok := c.Get(auth.ContextUserIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}
	return c.ClientIP()
}
