package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ki2api/kiro-gateway/internal/config"
)

// bucketSweepAge is how old a window bucket must be before the sweeper
// drops it.
const bucketSweepAge = 2 * time.Hour

// bucketSweepEvery triggers a sweep after this many limiter checks.
const bucketSweepEvery = 1000

// window is one fixed rate-limit window.
type window struct {
	start time.Time
	count int
}

// Limiter enforces fixed-window limits at two scopes (global and per key)
// and two granularities (minute and hour).
type Limiter struct {
	mu      sync.Mutex
	limits  config.RateLimitConfig
	buckets map[string]*window
	ops     int

	now func() time.Time
}

// NewLimiter builds a limiter with the given limits. Zero limits disable
// the corresponding check.
func NewLimiter(limits config.RateLimitConfig) *Limiter {
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]*window),
		now:     time.Now,
	}
}

// SetLimits swaps the limits, for config hot reload.
func (l *Limiter) SetLimits(limits config.RateLimitConfig) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
}

// Allow records one request for key and reports whether it fits within
// every configured window. When denied, retryAfter is a hint in seconds.
func (l *Limiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeSweepLocked(now)

	checks := []struct {
		bucket string
		span   time.Duration
		limit  int
	}{
		{"global:m", time.Minute, l.limits.GlobalPerMinute},
		{"global:h", time.Hour, l.limits.GlobalPerHour},
		{"key:m:" + key, time.Minute, l.limits.PerKeyPerMinute},
		{"key:h:" + key, time.Hour, l.limits.PerKeyPerHour},
	}

	// First pass rejects without consuming, so a denied request does not
	// burn quota in the windows that still had room.
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		w := l.windowLocked(check.bucket, check.span, now)
		if w.count >= check.limit {
			retry := int(w.start.Add(check.span).Sub(now).Seconds()) + 1
			return false, retry
		}
	}
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		l.windowLocked(check.bucket, check.span, now).count++
	}
	return true, 0
}

// windowLocked returns the bucket's current window, rolling it over when
// the fixed window elapsed.
func (l *Limiter) windowLocked(bucket string, span time.Duration, now time.Time) *window {
	w, ok := l.buckets[bucket]
	if !ok || now.Sub(w.start) >= span {
		w = &window{start: now.Truncate(span)}
		l.buckets[bucket] = w
	}
	return w
}

func (l *Limiter) maybeSweepLocked(now time.Time) {
	l.ops++
	if l.ops < bucketSweepEvery {
		return
	}
	l.ops = 0
	for key, w := range l.buckets {
		if now.Sub(w.start) > bucketSweepAge {
			delete(l.buckets, key)
		}
	}
}

// RateLimit applies the limiter to each request, keyed by the identity
// Auth stored in the context (falling back to client IP).
func RateLimit(limiter *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ContextRateKey)
		if key == "" {
			key = c.ClientIP()
		}
		allowed, retryAfter := limiter.Allow(key)
		if !allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "rate_limit_error",
					"message": "rate limit exceeded, retry later",
				},
			})
			return
		}
		c.Next()
	}
}
