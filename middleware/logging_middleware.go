package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"utp/message"
)

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			start := time.Now()
			reply := next(ctx, call)
			ev := log.Debug()
			if reply != nil && reply.Err != nil {
				ev = log.Warn().Err(reply.Err)
			}
			ev.Str("method", call.Method).
				Uint16("packet", call.Header.PacketIndex).
				Dur("took", time.Since(start)).
				Msg("rpc handled")
			return reply
		}
	}
}
