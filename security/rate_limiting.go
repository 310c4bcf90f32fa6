package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// BookingRateLimit caps booking attempts per caller so a single buyer
// cannot hammer the inventory counters. Counters live in Redis with a
// one minute window.
func (r *RateLimiter) BookingRateLimit(maxPerMinute int64) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		identifier := e.RealIP()
		if e.Auth != nil {
			identifier = fmt.Sprintf("user:%s", e.Auth.Id)
		}
		key := fmt.Sprintf("ratelimit:booking:%s", identifier)

		count, err := r.redis.Incr(e.Request.Context(), key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(e.Request.Context(), key, time.Minute)
			}
			if count > maxPerMinute {
				return e.JSON(429, map[string]string{
					"error": "Rate limit exceeded. Please try again later.",
				})
			}
		}
		// Redis errors fail open: bookings still serialize at the
		// storage boundary.
		return e.Next()
	}
}

// AntiBotMiddleware rejects obvious scripted scalping traffic.
func (r *RateLimiter) AntiBotMiddleware() func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		userAgent := e.Request.Header.Get("User-Agent")
		if r.isSuspiciousUserAgent(userAgent) {
			return e.JSON(403, map[string]string{
				"error": "Access denied",
			})
		}

		ip := e.RealIP()
		key := fmt.Sprintf("antibot:%s", ip)

		count, err := r.redis.Incr(e.Request.Context(), key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(e.Request.Context(), key, time.Minute)
			}
			if count > 60 {
				return e.JSON(429, map[string]string{
					"error": "Too many requests",
				})
			}
		}

		return e.Next()
	}
}

func (r *RateLimiter) isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
