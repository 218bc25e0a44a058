package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

func LoggingMiddleware(log *logrus.Entry) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			start := time.Now()
			err := next(ctx, call)
			entry := log.WithFields(logrus.Fields{
				"method":   call.Name,
				"args":     len(call.Args),
				"duration": time.Since(start),
			})
			if err != nil {
				entry.WithError(err).Warn("call failed")
			} else {
				entry.Debug("call done")
			}
			return err
		}
	}
}
