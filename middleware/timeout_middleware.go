package middleware

import (
	"context"
	"time"

	"display-rpc/message"
)

const ErrTimedOut = "request timed out"

// TimeoutMiddleware answers with ErrTimedOut when the handler takes longer
// than timeout. The handler keeps running with a cancelled context; its reply
// is dropped.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Reply, 1)
			go func() {
				done <- next(ctx, inv)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return &message.Reply{Error: ErrTimedOut}
			}
		}
	}
}
