package ai

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"greentrace/pkg/errors"
)

// RateLimiter defines the interface for rate limiting AI provider requests.
type RateLimiter interface {
	// Wait blocks until request can proceed or context is cancelled.
	Wait(ctx context.Context) error

	// Allow checks if request can proceed without blocking.
	Allow() bool

	// Limit returns current rate limit (requests per minute).
	Limit() float64
}

// TokenBucketLimiter is a RateLimiter backed by golang.org/x/time/rate
type TokenBucketLimiter struct {
	limiter  *rate.Limiter
	provider ProviderName
}

// NewTokenBucketLimiter creates a limiter allowing reqPerMinute with the given burst.
// burst <= 0 defaults to 10% of the per-minute rate.
func NewTokenBucketLimiter(provider ProviderName, reqPerMinute float64, burst int) *TokenBucketLimiter {
	if burst <= 0 {
		burst = int(reqPerMinute / 10)
		if burst < 1 {
			burst = 1
		}
	}

	return &TokenBucketLimiter{
		limiter:  rate.NewLimiter(rate.Limit(reqPerMinute/60.0), burst),
		provider: provider,
	}
}

// Wait blocks until a token is available or context is cancelled.
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limiter wait cancelled for provider %s", l.provider)
	}
	return nil
}

// Allow consumes a token if one is available.
func (l *TokenBucketLimiter) Allow() bool {
	return l.limiter.Allow()
}

// Limit returns the rate in requests per minute.
func (l *TokenBucketLimiter) Limit() float64 {
	return float64(l.limiter.Limit()) * 60.0
}

// NoOpLimiter never blocks.
type NoOpLimiter struct{}

func (NoOpLimiter) Wait(context.Context) error { return nil }
func (NoOpLimiter) Allow() bool                { return true }
func (NoOpLimiter) Limit() float64             { return -1 }

// NewRateLimiter returns a NoOpLimiter when reqPerMinute <= 0
func NewRateLimiter(provider ProviderName, reqPerMinute int) RateLimiter {
	if reqPerMinute <= 0 {
		return NoOpLimiter{}
	}
	return NewTokenBucketLimiter(provider, float64(reqPerMinute), 0)
}

// RateLimitError wraps rate limit related errors with provider context.
type RateLimitError struct {
	Provider ProviderName
	Limit    float64
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit error for provider %s (limit: %.0f req/min): %v", e.Provider, e.Limit, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}
