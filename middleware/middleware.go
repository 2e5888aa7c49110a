package middleware

import (
	"context"

	"mux-rpc/message"
)

// HandlerFunc performs one invocation and returns the response payload.
type HandlerFunc func(ctx context.Context, inv *message.Invocation) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost:
// Chain(A, B, C)(h) is A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
