package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"display-rpc/message"
)

const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects calls beyond a token bucket of r calls per
// second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Reply {
			if !limiter.Allow() {
				return &message.Reply{Error: ErrRateLimited}
			}
			return next(ctx, inv)
		}
	}
}
