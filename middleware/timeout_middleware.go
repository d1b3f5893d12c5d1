package middleware

import (
	"context"
	"time"

	"kite-rpc/message"
)

// TimeoutMiddleware fails a request that is not handled within timeout.
// The handler keeps its context, which is cancelled at the deadline.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Fail(req.RequestID, "request timed out")
			}
		}
	}
}
