package server

import (
	"sync"
	"time"
)

// RateLimitConfig bounds inbound HTTP traffic. The global bucket covers all
// requests; the connect limit throttles websocket upgrade attempts per
// client address so one peer cannot churn through connections.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ConnectLimit  int
	ConnectWindow time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	connectLimit  int
	connectWindow time.Duration

	mu      sync.Mutex
	buckets map[string]*ipLimiter
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:  cfg.ConnectLimit,
		connectWindow: cfg.ConnectWindow,
		buckets:       make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowConnect(key string) (bool, time.Duration) {
	if r == nil || r.connectLimit <= 0 {
		return true, 0
	}
	if key == "" {
		key = "unknown"
	}

	r.mu.Lock()
	limiter, exists := r.buckets[key]
	if !exists {
		rate := float64(r.connectLimit) / r.connectWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.connectWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.connectLimit)}
		r.buckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0
	}
	return false, time.Second
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.buckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.connectWindow)
	for key, limiter := range r.buckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
