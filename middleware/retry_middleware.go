package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"utp/message"
)

// Retryable reports whether a failed call may succeed when repeated:
// timeouts, and errors that declare themselves temporary.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// RetryMiddleware repeats calls failing with a retryable error up to
// maxRetries times, sleeping baseDelay, 2*baseDelay, 4*baseDelay, ...
// between attempts.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			reply := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if reply == nil || reply.Err == nil || !Retryable(reply.Err) {
					return reply
				}
				log.Debug().Err(reply.Err).Str("method", call.Method).Int("attempt", i+1).Msg("retrying rpc")
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reply
				}
				reply = next(ctx, call)
			}
			return reply
		}
	}
}
