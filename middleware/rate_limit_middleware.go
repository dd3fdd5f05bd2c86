package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"lwf/message"
)

// RateLimit rejects calls beyond r per second (token bucket with the given
// burst) with ResourceExhausted.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return message.ErrorReply(req.Method, message.ResourceExhausted, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
