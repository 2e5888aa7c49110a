package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mux-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) ([]byte, error) {
			start := time.Now()
			reply, err := next(ctx, inv)
			fields := []zap.Field{
				zap.Uint32("code", uint32(inv.Code)),
				zap.Uint32("id", uint32(inv.ID)),
				zap.Int("request_bytes", len(inv.Payload)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("invocation failed", append(fields, zap.Error(err))...)
				return reply, err
			}
			logger.Debug("invocation done", append(fields, zap.Int("reply_bytes", len(reply)))...)
			return reply, nil
		}
	}
}
