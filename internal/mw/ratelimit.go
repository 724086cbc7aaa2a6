package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// pruneInterval bounds how often Allow sweeps idle buckets; a bucket idle
// for longer than this is dropped.
const pruneInterval = 10 * time.Minute

// clientLimiter pairs a token bucket with its last use, so idle buckets can
// be pruned.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP. Idle buckets are
// swept opportunistically during Allow, so the map stays bounded without a
// background goroutine.
type IPRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	r         rate.Limit
	b         int
	lastPrune time.Time

	now func() time.Time
}

// NewIPRateLimiter creates a per-IP limiter with rate r and burst b.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		clients:   make(map[string]*clientLimiter),
		r:         r,
		b:         b,
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether a request from ip may proceed right now.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > pruneInterval {
		l.pruneLocked(now)
	}

	cl, ok := l.clients[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

func (l *IPRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-pruneInterval)
	for ip, cl := range l.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
	l.lastPrune = now
}

// RateLimiter is a middleware for IP-based rate limiting. Rejections carry
// a Retry-After hint so well-behaved clients back off.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiter := NewIPRateLimiter(r, b)
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}
