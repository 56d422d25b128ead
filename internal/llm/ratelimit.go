package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to another Client with a token bucket.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A non-positive perSecond disables throttling.
func NewRateLimited(next Client, perSecond float64, burst int) Client {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Chat waits for a token, then delegates.
func (r *RateLimited) Chat(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, &Error{Kind: KindNetwork, Err: err}
	}
	return r.next.Chat(ctx, req)
}
