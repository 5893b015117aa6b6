package oracle

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates outbound oracle calls. One limiter is shared by every run
// in the process that talks to the same provider quota.
type Limiter interface {
	Wait(ctx context.Context) error
}

// RateLimiter is a token bucket. Reservations are granted in arrival
// order, so concurrent stages and runs are served first come, first served.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows rps calls per second with the given burst.
// A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until the caller's reservation matures or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// NopLimiter never blocks.
type NopLimiter struct{}

// Wait returns ctx.Err() without waiting.
func (NopLimiter) Wait(ctx context.Context) error {
	return ctx.Err()
}
