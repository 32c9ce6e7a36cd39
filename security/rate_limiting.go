package security

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per principal, falling back to the
// client IP for anonymous requests.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	now := r.now()

	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r.rps, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	r.mu.Unlock()

	return b.lim.AllowN(now, 1)
}

// Cleanup drops buckets that have not been used within the idle TTL.
func (r *RateLimiter) Cleanup() {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, k)
		}
	}
}

// Run cleans up idle buckets until ctx is cancelled.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}

// WaitlistRateLimit is a route middleware for the waitlist endpoints.
func (r *RateLimiter) WaitlistRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.UserAgent()) {
			return e.JSON(http.StatusForbidden, map[string]string{
				"error": "Access denied",
				"code":  "permission_denied",
			})
		}

		key := "ip:" + e.RealIP()
		if e.Auth != nil {
			key = "user:" + e.Auth.Id
		}
		if !r.Allow(key) {
			return e.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded. Please try again later.",
				"code":  "rate_limited",
			})
		}
		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
