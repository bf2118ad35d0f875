package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"display-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logger.Named("dispatch")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Reply {
			start := time.Now()
			reply := next(ctx, inv)
			fields := []zap.Field{
				zap.Uint32("id", inv.ID),
				zap.String("method", inv.MethodName),
				zap.Duration("duration", time.Since(start)),
			}
			if reply.Error != "" {
				logger.Warn("call failed", append(fields, zap.String("error", reply.Error))...)
			} else {
				logger.Debug("call served", fields...)
			}
			return reply
		}
	}
}
