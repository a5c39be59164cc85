package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"utp/message"
)

// RateLimitMiddleware admits r calls per second with bursts of up to burst
// calls (token bucket). Rejected calls fail with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			if !limiter.Allow() {
				return &message.Reply{Err: ErrRateLimited}
			}
			return next(ctx, call)
		}
	}
}
