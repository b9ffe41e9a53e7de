package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsession-backend/internal/database"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by user (or client IP) in Redis.
// It fails open: a Redis error never blocks a call.
type RateLimiter struct {
	client   *database.RedisClient
	scope    string
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows requests per window for each caller within scope
func NewRateLimiter(client *database.RedisClient, scope string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		scope:    scope,
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := UserID(c); userID != "" {
			identifier = "user:" + userID
		}

		allowed, remaining, resetAt, err := rl.check(c.Request.Context(), identifier)
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("Rate limit check failed, allowing request",
				zap.String("scope", rl.scope),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int, int64, error) {
	windowSeconds := int64(rl.window / time.Second)
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	windowStart := rl.now().Unix() / windowSeconds * windowSeconds
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.scope, identifier, windowStart)

	var incr *redis.IntCmd
	_, err := rl.client.SafePipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, time.Duration(windowSeconds)*time.Second)
		return nil
	})
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := max(rl.requests-count, 0)
	return count <= rl.requests, remaining, windowStart + windowSeconds, nil
}
