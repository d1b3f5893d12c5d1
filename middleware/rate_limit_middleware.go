package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"kite-rpc/message"
)

// RateLimitMiddleware rejects requests beyond a token bucket of r requests
// per second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Fail(req.RequestID, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
