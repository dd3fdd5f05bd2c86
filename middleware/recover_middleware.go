package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lwf/message"
)

// Recover turns a panicking handler into an Internal failure. The panic
// value and stack go to the log, not to the caller.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (resp *message.Envelope) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("method", req.Method),
						zap.String("panic", fmt.Sprint(r)),
						zap.StackSkip("stack", 1))
					resp = message.ErrorReply(req.Method, message.Internal, "internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}
