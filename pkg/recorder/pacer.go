package recorder

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces provider calls. One pacer is shared by every worker of a run.
type Pacer interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a Pacer backed by a token bucket.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket allows one fetch per interval with the given burst.
// A non-positive interval disables pacing.
func NewTokenBucket(interval time.Duration, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &TokenBucket{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a token is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Allow takes a token without waiting.
func (b *TokenBucket) Allow() bool {
	return b.limiter.Allow()
}
