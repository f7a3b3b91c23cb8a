// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the relay from frame floods.
package server

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

// newRateLimiter allows cfg.Burst frames at once, refilled at Burst per
// RefillInterval. It returns nil, which allows everything, when Burst is zero.
func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	capacity := cfg.Burst
	if capacity <= 0 {
		return nil
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      float64(capacity) / interval.Seconds(),
		lastCheck: time.Now(),
		now:       time.Now,
	}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.lastCheck).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.capacity, rl.tokens+elapsed*rl.rate)
	}
	rl.lastCheck = now

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}
