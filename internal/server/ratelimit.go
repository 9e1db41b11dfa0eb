package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. The global bucket protects the
// whole listener; the handshake limit throttles websocket connection attempts
// per client IP so a reconnect storm cannot exhaust upgrade capacity.
type RateLimitConfig struct {
	GlobalRPS       float64
	GlobalBurst     int
	HandshakeLimit  int
	HandshakeWindow time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisTimeout    time.Duration
}

type rateLimiter struct {
	global           *tokenBucket
	handshakeLimit   int
	handshakeWindow  time.Duration
	handshakeMu      sync.Mutex
	handshakeBuckets map[string]*ipLimiter
	store            tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// tokenStore counts attempts per key across replicas. The in-process buckets
// are the fallback when no shared store is configured.
type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		handshakeLimit:   cfg.HandshakeLimit,
		handshakeWindow:  cfg.HandshakeWindow,
		handshakeBuckets: make(map[string]*ipLimiter),
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
	if rl.handshakeWindow <= 0 {
		rl.handshakeWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.handshakeLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowHandshake(key string) (bool, time.Duration, error) {
	if r == nil || r.handshakeLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("crewline:handshake:%s", key), r.handshakeLimit, r.handshakeWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.handshakeMu.Lock()
	bucket, exists := r.handshakeBuckets[key]
	if !exists {
		rate := float64(r.handshakeLimit) / r.handshakeWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.handshakeWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.handshakeLimit)}
		r.handshakeBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.handshakeMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.handshakeBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.handshakeWindow)
	for key, bucket := range r.handshakeBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.handshakeBuckets, key)
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
