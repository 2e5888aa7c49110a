package middleware

import (
	"context"
	"time"

	"mux-rpc/message"
	"mux-rpc/metrics"
)

// MetricsMiddleware records the outcome and latency of every invocation.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) ([]byte, error) {
			start := time.Now()
			reply, err := next(ctx, inv)
			m.ObserveInvocation(inv.Code, err, time.Since(start))
			return reply, err
		}
	}
}
