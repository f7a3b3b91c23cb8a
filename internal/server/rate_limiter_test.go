package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(burst int, refill time.Duration) (*rateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	rl := newRateLimiter(RateLimitConfig{Burst: burst, RefillInterval: refill})
	rl.now = clock.now
	rl.lastCheck = clock.t
	return rl, clock
}

func TestRateLimiterBurst(t *testing.T) {
	rl, _ := newTestLimiter(3, time.Second)

	for i := range 3 {
		require.True(t, rl.allow(), "frame %d within burst", i)
	}
	require.False(t, rl.allow())
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newTestLimiter(4, time.Second)
	for range 4 {
		rl.allow()
	}
	require.False(t, rl.allow())

	clock.advance(250 * time.Millisecond)
	require.True(t, rl.allow())
	require.False(t, rl.allow())

	clock.advance(time.Hour)
	for range 4 {
		require.True(t, rl.allow())
	}
	require.False(t, rl.allow(), "refill is capped at the burst size")
}

func TestRateLimiterDisabledByZeroBurst(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	require.Nil(t, rl)

	for range 1000 {
		require.True(t, rl.allow())
	}
}

func TestRateLimiterDefaultInterval(t *testing.T) {
	rl, clock := newTestLimiter(2, 0)
	rl.allow()
	rl.allow()
	require.False(t, rl.allow())

	clock.advance(500 * time.Millisecond)
	require.True(t, rl.allow())
}
