package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable
// limits and a server-imposed pause. The remote service answers 429 with a
// Retry-After hint; Pause makes every caller honor it.
type RateLimiter struct {
	mu          sync.RWMutex // Protects concurrent access to the limiter and pause.
	limiter     *rate.Limiter
	pausedUntil time.Time
	now         func() time.Time
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     time.Now,
	}
}

// NewPerMinuteLimiter mirrors a server quota expressed as requests per minute.
func NewPerMinuteLimiter(perMinute int, burst int) *RateLimiter {
	return NewRateLimiter(float64(perMinute)/60.0, burst)
}

// Wait blocks until any pause has elapsed and the limiter allows an event,
// or the context is canceled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	limiter := rl.limiter
	delay := rl.pausedUntil.Sub(rl.now())
	rl.mu.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return limiter.Wait(ctx)
}

// Pause blocks all callers for d. Overlapping pauses keep the later deadline.
func (rl *RateLimiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if until := rl.now().Add(d); until.After(rl.pausedUntil) {
		rl.pausedUntil = until
	}
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and burst size.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}
