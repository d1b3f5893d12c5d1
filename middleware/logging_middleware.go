package middleware

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"kite-rpc/message"
)

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			entry := log.WithFields(log.Fields{
				"request":  req.RequestID,
				"service":  req.ServiceKey(),
				"method":   req.Signature(),
				"duration": time.Since(start),
			})
			if !resp.OK() {
				entry.WithField("code", resp.Code).Warnf("rpc failed: %s", resp.Message)
			} else {
				entry.Debug("rpc")
			}
			return resp
		}
	}
}
