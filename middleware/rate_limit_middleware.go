package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"mux-rpc/message"
)

// RateLimitMiddleware admits r invocations per second with bursts of up to
// burst (token bucket). Invocations over the limit fail before any frame is
// sent.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) ([]byte, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("%w: id %d", message.ErrRateLimited, inv.ID)
			}
			return next(ctx, inv)
		}
	}
}

// RateWaitMiddleware blocks until the limiter admits the invocation or ctx
// ends.
func RateWaitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) ([]byte, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: id %d: %v", message.ErrRateLimited, inv.ID, err)
			}
			return next(ctx, inv)
		}
	}
}
