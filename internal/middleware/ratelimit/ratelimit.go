// Distributed per-client rate limiting over Redis. A sliding window
// covers authenticated API traffic and a token bucket covers
// unauthenticated endpoints; both are kept atomic by Lua scripts.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	pkgerrors "github.com/quillmarket/quill/pkg/errors"
)

// Limiter tracks request counts per client key in Redis.
type Limiter struct {
	logger *zap.Logger
	client *redis.Client
	limit  int
	window time.Duration
}

// NewLimiter creates a limiter allowing limit requests per window
func NewLimiter(logger *zap.Logger, client *redis.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		logger: logger,
		client: client,
		limit:  limit,
		window: window,
	}
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, now, now)
redis.call('EXPIRE', key, math.ceil(window/1000000000))
return {1, count + 1}
`)

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or capacity
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta * refill_rate)
local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end
redis.call('HMSET', key, 'tokens', tokens, 'last', now)
redis.call('EXPIRE', key, 60)
return {allowed, math.floor(tokens)}
`)

// AllowBurst takes one token from the key's bucket, refilling at
// refillRate tokens per second up to capacity. Unlike the sliding
// window it tolerates short bursts, which suits processor webhook
// retries.
func (l *Limiter) AllowBurst(ctx context.Context, key string, capacity int, refillRate float64) (bool, int64, error) {
	now := time.Now().Unix()
	res, err := tokenBucketScript.Run(ctx, l.client, []string{"ratelimit:bucket:" + key},
		capacity, refillRate, now).Result()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit script failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return true, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	allowed, _ := vals[0].(int64)
	left, _ := vals[1].(int64)
	return allowed == 1, left, nil
}

// BurstMiddleware enforces a token bucket keyed by client IP, for
// unauthenticated endpoints. Fails open like Middleware.
func (l *Limiter) BurstMiddleware(capacity int, refillRate float64) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		allowed, left, err := l.AllowBurst(c.Request.Context(), key, capacity, refillRate)
		if err != nil {
			l.logger.Warn("Rate limit check failed, allowing request",
				zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			l.logger.Debug("Rate limit exceeded",
				zap.String("key", key), zap.Int64("tokens_left", left))
			c.Header("Retry-After", "1")
			problem := pkgerrors.NewRateLimitError("too many requests", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, problem)
			return
		}
		c.Next()
	}
}

// Allow records one request for the key and reports whether it fits the
// window. Redis failures allow the request so an outage never locks the
// API out.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int64, error) {
	now := time.Now().UnixNano()
	res, err := slidingWindowScript.Run(ctx, l.client, []string{"ratelimit:" + key},
		now, l.window.Nanoseconds(), l.limit).Result()
	if err != nil {
		return true, 0, fmt.Errorf("rate limit script failed: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return true, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return allowed == 1, count, nil
}

// Middleware enforces the limit per authenticated user, falling back to
// the client IP for anonymous requests.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID, exists := c.Get("userID"); exists {
			key = fmt.Sprintf("user:%v", userID)
		}

		allowed, count, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			l.logger.Warn("Rate limit check failed, allowing request",
				zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			l.logger.Debug("Rate limit exceeded",
				zap.String("key", key), zap.Int64("count", count))
			c.Header("Retry-After", fmt.Sprintf("%d", int(l.window.Seconds())))
			problem := pkgerrors.NewRateLimitError("too many requests", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, problem)
			return
		}
		c.Next()
	}
}
