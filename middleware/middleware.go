// Package middleware wraps rpc method handlers.
//
// A Middleware takes the next handler and returns one that runs before
// and/or after it. Chain(a, b, c)(h) runs a, then b, then c, then h.
package middleware

import (
	"context"
	"errors"

	"utp/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrTimeout     = errors.New("request timed out")
)

// Chain combines several middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
