package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"kite-rpc/message"
)

// RecoverMiddleware turns a panic below it into a failed response, so one
// bad request never takes the connection down.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{"request": req.RequestID, "method": req.Signature()}).
						Errorf("handler panicked: %v\n%s", r, debug.Stack())
					resp = message.Fail(req.RequestID, fmt.Sprintf("internal error: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
