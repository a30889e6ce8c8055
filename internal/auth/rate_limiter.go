package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RateLimiter counts admin API requests per caller in fixed Redis windows,
// so every API server in front of the same Redis shares the budget.
type RateLimiter struct {
	redis     *redis.Client
	keyPrefix string
	logger    *zap.Logger
	now       func() time.Time
}

type RateLimitConfig struct {
	RequestsPerMinute int
	WindowDuration    time.Duration
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewRateLimiter(redisClient *redis.Client, keyPrefix string, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redis:     redisClient,
		keyPrefix: keyPrefix,
		logger:    logger,
		now:       time.Now,
	}
}

func (rl *RateLimiter) CheckLimit(ctx context.Context, key string, config RateLimitConfig) (*RateLimitResult, error) {
	now := rl.now()
	window := now.Truncate(config.WindowDuration)
	redisKey := fmt.Sprintf("%s:rate_limit:%s:%d", rl.keyPrefix, key, window.Unix())

	pipe := rl.redis.TxPipeline()
	incrCmd := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, config.WindowDuration)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count request: %w", err)
	}

	count := int(incrCmd.Val())
	resetTime := window.Add(config.WindowDuration)
	remaining := config.RequestsPerMinute - count
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:    count <= config.RequestsPerMinute,
		Limit:      config.RequestsPerMinute,
		Remaining:  remaining,
		ResetTime:  resetTime,
		RetryAfter: resetTime.Sub(now),
	}, nil
}

// RateLimitMiddleware keys callers by user when authenticated, otherwise by
// client IP. Redis failures let the request through.
func (rl *RateLimiter) RateLimitMiddleware(config RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.generateKey(c)

		result, err := rl.CheckLimit(c.Request.Context(), key, config)
		if err != nil {
			rl.logger.Error("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))

			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Request.URL.Path))

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": result.RetryAfter.Seconds(),
				"limit":       result.Limit,
				"reset_time":  result.ResetTime.Unix(),
			})
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) generateKey(c *gin.Context) string {
	if userID := GetUserID(c); userID != "" {
		return fmt.Sprintf("user:%s", userID)
	}
	return fmt.Sprintf("ip:%s", c.ClientIP())
}
