// Package middleware wraps call handling in an onion of invoke handlers.
//
// The same types serve both ends of the wire: on the client the innermost
// handler encodes, sends and decodes; on the server it invokes the registered method.
package middleware

import (
	"context"

	"zibra/message"
)

// Call is what travels through a chain.
type Call struct {
	Name     string
	Args     []any
	Result   any                     // client: reply pointer; server: set by the method
	Settings *message.InvokeSettings // client only
}

type HandlerFunc func(ctx context.Context, call *Call) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
