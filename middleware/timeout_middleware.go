package middleware

import (
	"context"
	"time"

	"lwf/message"
)

// Timeout fails calls that take longer than timeout with DeadlineExceeded.
// The handler keeps running in the background with a cancelled context.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorReply(req.Method, message.DeadlineExceeded, "request timed out")
			}
		}
	}
}
