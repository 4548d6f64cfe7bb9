// Package ratelimit throttles settlement API traffic per caller with a
// token bucket. Webhook deliveries from the gateway share the middleware,
// so limits have to leave headroom for retry bursts.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the per-client token bucket.
type Config struct {
	// RequestsPerMinute is the sustained rate allowed per client.
	RequestsPerMinute int
	// BurstSize is how far a client can run ahead of the sustained rate.
	BurstSize int
	// CleanupInterval is how often idle client buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second with small bursts.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// bucket holds the remaining allowance for one client.
type bucket struct {
	tokens float64
	asOf   time.Time
}

// refill tops the bucket up for the time since asOf, capped at burst.
func (bk *bucket) refill(now time.Time, perSecond float64, burst int) {
	bk.tokens += now.Sub(bk.asOf).Seconds() * perSecond
	if bk.tokens > float64(burst) {
		bk.tokens = float64(burst)
	}
	bk.asOf = now
}

// Limiter enforces Config per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
}

// New builds a Limiter and starts its background sweep. Call Stop when
// the server shuts down.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop ends the background sweep.
func (l *Limiter) Stop() {
	close(l.done)
}

// sweep drops buckets that have been idle long enough to be full again.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stale := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, bk := range l.buckets {
				if bk.asOf.Before(stale) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Allow consumes one token for key, reporting whether the request may
// proceed. New clients start with a full burst allowance.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	bk, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens: float64(l.cfg.BurstSize - 1),
			asOf:   now,
		}
		return true
	}

	bk.refill(now, float64(l.cfg.RequestsPerMinute)/60.0, l.cfg.BurstSize)
	if bk.tokens < 1 {
		return false
	}
	bk.tokens--
	return true
}

// Middleware limits by client IP, or by API key when the request carries
// an Authorization header, so NAT'd callers with credentials do not share
// one bucket.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); auth != "" {
			key = "auth:" + auth[:min(20, len(auth))]
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
