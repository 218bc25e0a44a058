package middleware

import (
	"context"
	"time"

	"zibra/message"
)

// TimeOutMiddleware bounds the time spent in the rest of the chain. The inner
// handler works on a copy of the call and its argument list, which is
// published only if it finishes in time.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			inner := *call
			inner.Args = append([]any(nil), call.Args...)
			done := make(chan error, 1)
			go func() {
				done <- next(ctx, &inner)
			}()

			select {
			case err := <-done:
				*call = inner
				return err
			case <-ctx.Done():
				return message.Errorf(message.KindTimeout, "request timed out")
			}
		}
	}
}
