package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lwf/message"
)

// Logging logs every call with its duration. Failed calls are logged at
// warn level with their code.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Warn("call failed", append(fields,
					zap.Stringer("code", resp.Code),
					zap.String("error", resp.Error))...)
				return resp
			}
			logger.Info("call", fields...)
			return resp
		}
	}
}
