package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/option-booking/internal/config"
)

// bucketScript refills continuously at ARGV[3] tokens per millisecond up
// to ARGV[2], then takes one token if it can.  It returns
// {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'at')
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
if now > at then
  tokens = math.min(capacity, tokens + (now - at) * rate)
end

local allowed, wait = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'at', now)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, math.floor(tokens), wait}
`)

// Decision is the outcome of one bucket evaluation.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimiter is a Redis token bucket shared by every API instance.
type RateLimiter struct {
	cfg config.RateLimitConfig
	rdb *redis.Client
}

func NewRateLimiter(cfg config.RateLimitConfig, rdb *redis.Client) *RateLimiter {
	return &RateLimiter{cfg: cfg, rdb: rdb}
}

// Allow takes one token from the bucket under key.
func (l *RateLimiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	ms := l.cfg.RefillInterval.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	perMs := float64(l.cfg.RefillTokens) / float64(ms)
	vals, err := bucketScript.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(),
		l.cfg.Capacity,
		strconv.FormatFloat(perMs, 'f', -1, 64),
		int64(l.cfg.TTL/time.Second),
	).Slice()
	if err != nil {
		return Decision{}, err
	}
	return parseDecision(vals)
}

func parseDecision(vals []interface{}) (Decision, error) {
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}
	n := make([]int64, 3)
	for i, v := range vals {
		x, ok := v.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
		}
		n[i] = x
	}
	return Decision{
		Allowed:    n[0] == 1,
		Remaining:  n[1],
		RetryAfter: time.Duration(n[2]) * time.Millisecond,
	}, nil
}

// Middleware answers 429 once the caller's bucket is empty.  Without
// Redis, or when disabled, every request passes; Redis errors fail open.
func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.cfg.Enabled || l.rdb == nil {
				return next(c)
			}
			key := rateKey(l.cfg, c)
			d, err := l.Allow(c.Request().Context(), key, time.Now())
			if err != nil {
				if l.cfg.Debug {
					c.Logger().Warnf("[ratelimit] %s: %v", key, err)
				}
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if l.cfg.Debug {
				h.Set("X-RateLimit-Key", key)
			}
			if d.Allowed {
				return next(c)
			}
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			h.Set("Retry-After", strconv.Itoa(secs))
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too_many_requests",
				"message":     "rate limit exceeded",
				"retry_after": secs,
			})
		}
	}
}

// NewTokenBucket is shorthand for NewRateLimiter(cfg, rdb).Middleware().
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
	return NewRateLimiter(cfg, rdb).Middleware()
}

// rateKey builds the bucket key.  "user_option" gives each caller a
// separate bucket per option, so retrying one full option does not lock
// the caller out of the others.
func rateKey(cfg config.RateLimitConfig, c echo.Context) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", rateSubject(c))
	case "user_option":
		opt := "none"
		if id, ok := optionParam(c); ok {
			opt = strconv.FormatUint(id, 10)
		}
		parts = append(parts, "user", rateSubject(c), "option", opt)
	default:
		parts = append(parts, "ip", ip, "user", rateSubject(c))
	}
	return strings.Join(parts, ":")
}
