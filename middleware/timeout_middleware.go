package middleware

import (
	"context"
	"time"

	"mux-rpc/message"
)

// TimeOutMiddleware gives every invocation a deadline. The client abandons the
// pending entry when the deadline passes, so nothing is left waiting.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, inv)
		}
	}
}
