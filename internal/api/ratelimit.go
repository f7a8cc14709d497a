package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// bucketIdleCutoff is how long an IP may stay quiet before its bucket is
// reclaimed.
const bucketIdleCutoff = 10 * time.Minute

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a per-IP token bucket. Buckets refill continuously at the
// configured per-minute rate up to the burst capacity; an empty bucket turns
// the request away with a Retry-After hint.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	limit   string // human-readable limit for refusal bodies
}

// NewRateLimiter allows ratePerMin requests per minute per client IP with
// bursts up to burst.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    float64(ratePerMin) / 60.0,
		burst:   float64(burst),
		limit:   fmt.Sprintf("%d requests/minute per IP", ratePerMin),
	}
	go rl.reap()
	return rl
}

// allow spends one token for ip, reporting how long until the next token
// when the bucket is empty.
func (rl *RateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: rl.burst, lastSeen: now}
		rl.buckets[ip] = b
	}
	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1-b.tokens)/rl.rate*float64(time.Second)) + time.Millisecond
	return false, wait
}

// Middleware enforces the limit per client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := rl.allow(c.ClientIP(), time.Now())
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  "rate_limited",
				"limit": rl.limit,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// reap drops buckets idle past the cutoff so transient IPs do not accumulate.
func (rl *RateLimiter) reap() {
	ticker := time.NewTicker(bucketIdleCutoff)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-bucketIdleCutoff)
		rl.mu.Lock()
		for ip, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}
