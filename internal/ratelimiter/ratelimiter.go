package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles operations against one location using the token
// bucket algorithm.
//
// This implementation wraps golang.org/x/time/rate to provide:
//   - Token bucket rate limiting (allows bursts while enforcing sustained rate)
//   - Context-aware waiting (respects cancellation)
//   - Zero-allocation fast path for allowed operations
//   - Thread-safe operation
//
// The engine keeps one limiter per location so a burst of operations
// against a single remote host cannot starve the others or trip the
// host's own throttling.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a new RateLimiter with the specified rate and burst capacity.
//
// Parameters:
//   - opsPerSecond: Maximum sustained rate (tokens added per second)
//   - burst: Maximum burst size (bucket capacity in tokens)
//
// Special cases:
//   - opsPerSecond = 0: No rate limiting (effectively unlimited)
//   - burst = 0: Burst defaults to 2x the sustained rate
func New(opsPerSecond, burst uint) *RateLimiter {
	if opsPerSecond == 0 {
		// Unlimited rate: use a very high limit.
		// rate.Inf would be ideal but has edge cases, so use a large value.
		opsPerSecond = 1_000_000_000
		burst = opsPerSecond
	}
	if burst == 0 {
		burst = opsPerSecond * 2
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), int(burst)),
	}
}

// Allow checks if an operation is allowed under the current rate limit.
//
// This is the fast path: it returns immediately without waiting. Use it
// when the caller should reject over-limit work rather than queue it.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
//
// Returns nil once a token was acquired, or the context error if the
// context ended first. This is the path the engine takes: operations are
// throttled, not rejected.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// AllowN checks if N operations are allowed at once, consuming N tokens
// on success and none on failure.
func (r *RateLimiter) AllowN(n uint) bool {
	return r.limiter.AllowN(time.Now(), int(n))
}

// Tokens returns the current number of available tokens. Primarily useful
// for monitoring and tests; the value may change immediately after the
// call returns.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
