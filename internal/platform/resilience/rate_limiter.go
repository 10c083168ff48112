package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// RateLimiter implements token bucket rate limiting
type RateLimiter struct {
	clock clockwork.Clock

	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
// rate: number of requests per second
// burst: maximum burst size
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return NewRateLimiterWithClock(rate, burst, clockwork.NewRealClock())
}

// NewRateLimiterWithClock is NewRateLimiter with an explicit clock.
func NewRateLimiterWithClock(rate float64, burst int, clock clockwork.Clock) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}

	return &RateLimiter{
		clock:      clock,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: clock.Now(),
	}
}

// NewRateLimiterFromRPM creates a rate limiter from requests per minute
func NewRateLimiterFromRPM(requestsPerMinute int, burst int) *RateLimiter {
	return NewRateLimiter(float64(requestsPerMinute)/60.0, burst)
}

// Allow checks if a request is allowed without blocking
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN checks if N requests are allowed
func (rl *RateLimiter) AllowN(n int) bool {
	if n <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		return true
	}
	return false
}

// Wait blocks until a token is available or context is cancelled
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}

		select {
		case <-rl.clock.After(rl.waitTime()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// caller must hold rl.mu
func (rl *RateLimiter) refill() {
	now := rl.clock.Now()
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now
}

func (rl *RateLimiter) waitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	needed := 1.0 - rl.tokens
	if needed < 0 {
		needed = 0
	}
	wait := time.Duration(needed / rl.rate * float64(time.Second))

	// avoid busy-waiting
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// Stats returns current rate limiter statistics
func (rl *RateLimiter) Stats() (rate float64, burst int, availableTokens float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return rl.rate, rl.burst, rl.tokens
}
