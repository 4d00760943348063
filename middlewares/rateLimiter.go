package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-client-IP fixed-window limiter kept in Redis.
// The client is looked up per request because Redis connects after the
// listener is up.
type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

func NewRateLimiter(client func() *redis.Client, prefix string, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// Middleware rejects with 429 once the window budget is spent. Redis errors fail open.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rdb *redis.Client
		if rl != nil && rl.client != nil {
			rdb = rl.client()
		}
		if rdb == nil {
			c.Next()
			return
		}
		key := "RateLimit:" + rl.prefix + ":" + c.ClientIP()

		count, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			c.Next()
			return
		}
		if count == 1 {
			_ = rdb.Expire(c.Request.Context(), key, rl.window).Err()
		}

		if count > rl.limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded, try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
