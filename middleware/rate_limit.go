package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	apierr "github.com/pilab-dev/docid-auth/errors"
	"github.com/pilab-dev/docid-auth/internal/metrics"
)

// limiterIdleTTL is how long an idle client's bucket is kept.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter is a per-client token bucket limiter keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *ttlcache.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	metrics  *metrics.Metrics
}

// NewRateLimiter allows rps requests per second per client with the given
// burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int, m *metrics.Metrics) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}

	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}

	return &RateLimiter{
		limiters: ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
			ttlcache.WithCapacity[string, *rate.Limiter](100_000),
		),
		limit:   limit,
		burst:   burst,
		metrics: m,
	}
}

// Allow consumes one token for key.
func (l *RateLimiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	item := l.limiters.Get(key)
	var lim *rate.Limiter
	if item == nil || item.IsExpired() {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Set(key, lim, ttlcache.DefaultTTL)
	} else {
		lim = item.Value()
	}
	l.limiters.DeleteExpired()
	l.mu.Unlock()

	if lim.Allow() {
		return true
	}

	l.metrics.ObserveRateLimited()

	return false
}

// Gin rejects over-limit clients with 429 and the RATE_LIMITED envelope.
func (l *RateLimiter) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apierr.NewRateLimited())
			return
		}

		c.Next()
	}
}

// Echo rejects over-limit clients with 429 and the RATE_LIMITED envelope.
func (l *RateLimiter) Echo() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow(c.RealIP()) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, apierr.NewRateLimited())
			}

			return next(c)
		}
	}
}
