package ratelimit

import (
	"log/slog"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/fraudscope/internal/auth"
	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
)

func setHeaders(c *gin.Context, prefix string, result *Result) {
	c.Header(prefix+"-Limit", strconv.Itoa(result.Limit))
	c.Header(prefix+"-Remaining", strconv.Itoa(result.Remaining))
	c.Header(prefix+"-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func reject(c *gin.Context, result *Result) {
	seconds := int(math.Ceil(result.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	retryAfter := strconv.Itoa(seconds)
	c.Header("Retry-After", retryAfter)
	errors.Respond(c, errors.NewRateLimitError(retryAfter).WithDetail("limit", result.Limit))
	c.Abort()
}

// IPRateLimitMiddleware limits every request per client IP
func (rl *RateLimiter) IPRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		result, err := rl.AllowIP(c.Request.Context(), ip)
		if err != nil {
			// a limiter fault never blocks traffic
			slog.Error("Rate limit check failed", "ip", ip, "error", err)
			c.Next()
			return
		}

		setHeaders(c, "X-RateLimit", result)
		if !result.Allowed {
			reject(c, result)
			return
		}

		c.Next()
	}
}

// SubmitRateLimitMiddleware limits batch submissions per owner. It must run after the identity middleware.
func (rl *RateLimiter) SubmitRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := auth.OwnerID(c)
		if ownerID == "" {
			c.Next()
			return
		}

		result, err := rl.AllowOwner(c.Request.Context(), ownerID)
		if err != nil {
			slog.Error("Owner rate limit check failed", "owner_id", ownerID, "error", err)
			c.Next()
			return
		}

		setHeaders(c, "X-RateLimit-Submit", result)
		if !result.Allowed {
			reject(c, result)
			return
		}

		c.Next()
	}
}
