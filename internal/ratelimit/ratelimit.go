// Package ratelimit throttles API callers with a token bucket per key.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this request.
	Remaining int
	// RetryAfter is how long until one token is available. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use. An error means the
// limiter itself failed; callers let the request through.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
