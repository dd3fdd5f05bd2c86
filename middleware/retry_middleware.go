package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lwf/message"
)

// Retry re-sends a call up to maxRetries times when it fails with a
// retryable code, doubling the delay from baseDelay each time. Calls
// rejected for their content (bad schema, unknown method, handler
// errors) are returned immediately.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !resp.Failed() || !resp.Code.Retryable() {
					return resp
				}
				logger.Debug("retrying call",
					zap.String("method", req.Method),
					zap.Int("attempt", i+1),
					zap.Stringer("code", resp.Code),
					zap.String("error", resp.Error))

				timer := time.NewTimer(baseDelay << i)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
