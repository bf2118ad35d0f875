package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"display-rpc/message"
)

func echoHandler(ctx context.Context, inv *message.Invocation) *message.Reply {
	return &message.Reply{Value: inv.MethodName}
}

func slowHandler(ctx context.Context, inv *message.Invocation) *message.Reply {
	time.Sleep(200 * time.Millisecond)
	return &message.Reply{Value: inv.MethodName}
}

func failingHandler(ctx context.Context, inv *message.Invocation) *message.Reply {
	return &message.Reply{Error: "no such surface"}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zaptest.NewLogger(t))(echoHandler)

	reply := handler(context.Background(), &message.Invocation{ID: 1, MethodName: message.MethodCreateSurface})
	require.NotNil(t, reply)
	assert.Equal(t, message.MethodCreateSurface, reply.Value)

	reply = LoggingMiddleware(zaptest.NewLogger(t))(failingHandler)(context.Background(), &message.Invocation{ID: 2})
	assert.Equal(t, "no such surface", reply.Error)
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)

	reply := handler(context.Background(), &message.Invocation{MethodName: message.MethodNextBuffer})
	assert.Empty(t, reply.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)

	reply := handler(context.Background(), &message.Invocation{MethodName: message.MethodNextBuffer})
	assert.Equal(t, ErrTimedOut, reply.Error)
}

func TestRateLimit(t *testing.T) {
	// One token per second with a burst of two: the third call is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	inv := &message.Invocation{MethodName: message.MethodNextBuffer}

	for i := 0; i < 2; i++ {
		assert.Empty(t, handler(context.Background(), inv).Error, "call %d", i)
	}
	assert.Equal(t, ErrRateLimited, handler(context.Background(), inv).Error)
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *message.Invocation) *message.Reply {
				order = append(order, name+".before")
				reply := next(ctx, inv)
				order = append(order, name+".after")
				return reply
			}
		}
	}

	handler := Chain(tag("a"), tag("b"))(echoHandler)
	reply := handler(context.Background(), &message.Invocation{MethodName: message.MethodConnect})
	assert.Equal(t, message.MethodConnect, reply.Value)
	assert.Equal(t, []string{"a.before", "b.before", "b.after", "a.after"}, order)
}
