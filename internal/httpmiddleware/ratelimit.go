package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"presence/internal/auth"
)

// RateLimiter keeps one token bucket per caller. Authenticated callers are
// keyed by token subject, anonymous ones by client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	callers map[string]*caller
}

type caller struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter allows perMinute requests per caller with bursts of the same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		idle:    10 * time.Minute,
		callers: make(map[string]*caller),
	}
}

// GinMiddleware returns gin handler enforcing per-caller limits.
func (l *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(callerKey(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow consumes one token for key.
func (l *RateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.callers[key]
	if !ok {
		l.evict(now)
		cl = &caller{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = cl
	}
	cl.seen = now
	return cl.limiter.AllowN(now, 1)
}

// evict drops callers idle for longer than l.idle. Caller holds l.mu.
func (l *RateLimiter) evict(now time.Time) {
	for k, cl := range l.callers {
		if now.Sub(cl.seen) > l.idle {
			delete(l.callers, k)
		}
	}
}

func callerKey(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
