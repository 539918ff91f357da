// Package httpmiddleware holds the gin middleware shared by the API routes.
package httpmiddleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"attendx/internal/auth"
)

// RateLimiter keeps one token bucket per client. Clients are keyed by the JWT
// subject when the request is authenticated and by IP otherwise.
type RateLimiter struct {
	name  string
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time
	mu    sync.Mutex
	state map[string]*clientLimiter
	swept time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per client with a burst of the same size.
// A non-positive perMinute disables limiting.
func NewRateLimiter(name string, perMinute int) *RateLimiter {
	return &RateLimiter{
		name:  name,
		limit: rate.Limit(float64(perMinute) / 60),
		burst: perMinute,
		idle:  10 * time.Minute,
		now:   time.Now,
		state: make(map[string]*clientLimiter),
	}
}

// GinMiddleware returns gin handler enforcing per-client limits.
func (l *RateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.burst <= 0 {
			c.Next()
			return
		}
		key := clientKey(c)
		if !l.allow(key) {
			slog.Warn("rate limit exceeded", "limiter", l.name, "client", key)
			c.Header("Retry-After", strconv.Itoa(l.retryAfter()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Clients returns the number of tracked clients.
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state)
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.swept) > l.idle {
		for k, cl := range l.state {
			if now.Sub(cl.lastSeen) > l.idle {
				delete(l.state, k)
			}
		}
		l.swept = now
	}
	cl, ok := l.state[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.state[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (l *RateLimiter) retryAfter() int {
	sec := int(math.Ceil(1 / float64(l.limit)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

func clientKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
