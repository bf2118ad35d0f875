// Package middleware wraps the reference server's method dispatch.
package middleware

import (
	"context"

	"display-rpc/message"
)

// HandlerFunc serves one invocation. It never returns nil.
type HandlerFunc func(ctx context.Context, inv *message.Invocation) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one runs outermost:
// Chain(A, B, C)(h) is A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
