package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"lwf/message"
)

// echoHandler returns a successful response.
func echoHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	return &message.Envelope{
		Method:  req.Method,
		Payload: []byte("ok"),
	}
}

// slowHandler sleeps 200ms before answering.
func slowHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

// failing fails the first n calls with code, then succeeds.
func failing(n int32, code message.Code, calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, req *message.Envelope) *message.Envelope {
		if calls.Add(1) <= n {
			return message.ErrorReply(req.Method, code, "boom")
		}
		return echoHandler(ctx, req)
	}
}

var req = &message.Envelope{Method: "Users.Get"}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := Logging(zap.New(core))(echoHandler)

	resp := handler(context.Background(), req)
	require.Equal(t, "ok", string(resp.Payload))
	require.Equal(t, 1, logs.FilterMessage("call").Len())

	failed := Logging(zap.New(core))(func(ctx context.Context, req *message.Envelope) *message.Envelope {
		return message.ErrorReply(req.Method, message.NotFound, "no such method")
	})
	failed(context.Background(), req)
	entries := logs.FilterMessage("call failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "not found", entries[0].ContextMap()["code"])
}

func TestTimeoutPass(t *testing.T) {
	// 500ms budget, fast handler: passes through
	handler := Timeout(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), req)
	require.False(t, resp.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget, handler needs 200ms
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), req)
	require.Equal(t, message.DeadlineExceeded, resp.Code)
	require.Equal(t, "request timed out", resp.Error)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the 3rd is rejected
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		require.False(t, resp.Failed(), "request %d should pass", i)
	}

	resp := handler(context.Background(), req)
	require.Equal(t, message.ResourceExhausted, resp.Code)
}

func TestRetryTransportFailure(t *testing.T) {
	var calls atomic.Int32
	handler := Retry(3, time.Millisecond, zaptest.NewLogger(t))(failing(2, message.Unavailable, &calls))

	resp := handler(context.Background(), req)
	require.False(t, resp.Failed())
	require.Equal(t, int32(3), calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	handler := Retry(2, time.Millisecond, zaptest.NewLogger(t))(failing(10, message.DeadlineExceeded, &calls))

	resp := handler(context.Background(), req)
	require.Equal(t, message.DeadlineExceeded, resp.Code)
	require.Equal(t, int32(3), calls.Load(), "first call plus two retries")
}

func TestRetrySkipsContentErrors(t *testing.T) {
	for _, code := range []message.Code{message.InvalidArgument, message.NotFound, message.Internal, message.ResourceExhausted} {
		var calls atomic.Int32
		handler := Retry(3, time.Millisecond, zaptest.NewLogger(t))(failing(10, code, &calls))

		resp := handler(context.Background(), req)
		require.Equal(t, code, resp.Code)
		require.Equal(t, int32(1), calls.Load(), "%s must not be retried", code)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	handler := Retry(5, time.Hour, zaptest.NewLogger(t))(failing(10, message.Unavailable, &calls))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := handler(ctx, req)
	require.Equal(t, message.Unavailable, resp.Code)
	require.Equal(t, int32(1), calls.Load())
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recover(zap.New(core))(func(ctx context.Context, req *message.Envelope) *message.Envelope {
		panic("nil map")
	})

	resp := handler(context.Background(), req)
	require.Equal(t, message.Internal, resp.Code)
	require.Equal(t, "internal error", resp.Error)
	require.Equal(t, 1, logs.FilterMessage("handler panicked").Len())
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Envelope) *message.Envelope {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), Logging(zaptest.NewLogger(t)), mark("B"), Timeout(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), req)

	require.False(t, resp.Failed())
	require.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
