package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/ki2api/kiro-gateway/internal/config"
)

func TestLimiterPerKeyMinuteWindow(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{PerKeyPerMinute: 3})
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("alice")
		assert.True(t, ok, "request %d", i)
	}
	ok, retry := l.Allow("alice")
	assert.False(t, ok)
	assert.Greater(t, retry, 0)

	// A different key has its own window.
	ok, _ = l.Allow("bob")
	assert.True(t, ok)

	// The window rolls over after a minute.
	current = current.Add(time.Minute + time.Second)
	ok, _ = l.Allow("alice")
	assert.True(t, ok)
}

func TestLimiterGlobalWindowSharedAcrossKeys(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{GlobalPerMinute: 2})
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	ok, _ := l.Allow("alice")
	assert.True(t, ok)
	ok, _ = l.Allow("bob")
	assert.True(t, ok)
	ok, _ = l.Allow("carol")
	assert.False(t, ok)
}

func TestLimiterDenialDoesNotConsumeOtherWindows(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{GlobalPerMinute: 1, GlobalPerHour: 10})
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	ok, _ := l.Allow("alice")
	assert.True(t, ok)

	// Denied by the minute window; the hour window must stay at 1.
	for i := 0; i < 5; i++ {
		ok, _ = l.Allow("alice")
		assert.False(t, ok)
	}
	assert.Equal(t, 1, l.buckets["global:h"].count)
}

func TestLimiterZeroLimitsDisableChecks(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow("alice")
		assert.True(t, ok)
	}
}

func TestLimiterSweepsStaleBuckets(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{PerKeyPerMinute: 10})
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }

	l.Allow("stale")
	current = current.Add(3 * time.Hour)
	for i := 0; i < bucketSweepEvery; i++ {
		l.Allow("fresh")
	}

	l.mu.Lock()
	_, ok := l.buckets["key:m:stale"]
	l.mu.Unlock()
	assert.False(t, ok)
}

func TestRateLimitMiddlewareRejectsWithRetryAfter(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{PerKeyPerMinute: 1})

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(ContextRateKey, "team-a") })
	r.Use(RateLimit(l))
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_error")
}
