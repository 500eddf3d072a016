package gateway

import (
	"sync"
	"time"
)

// tokenBucket is a simple token-bucket limiter.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(requestsPerMinute, burstSize int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: time.Now(),
	}
}

// allow consumes a token if one is available.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// RateLimiter enforces per-agent request limits.
type RateLimiter struct {
	mu                sync.Mutex
	buckets           map[string]*tokenBucket
	requestsPerMinute int
	burstSize         int
}

// NewRateLimiter builds a limiter. Burst defaults to a tenth of the
// per-minute rate, minimum 5.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	burst := requestsPerMinute / 10
	if burst < 5 {
		burst = 5
	}
	return &RateLimiter{
		buckets:           make(map[string]*tokenBucket),
		requestsPerMinute: requestsPerMinute,
		burstSize:         burst,
	}
}

// Allow consumes one token for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = newTokenBucket(r.requestsPerMinute, r.burstSize)
		r.buckets[key] = bucket
	}
	r.mu.Unlock()
	return bucket.allow()
}
