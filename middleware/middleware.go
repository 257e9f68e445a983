// Package middleware wraps the dispatcher's business handler.
//
// Middlewares compose in onion order: Chain(A, B, C)(h) runs A.before,
// B.before, C.before, h, C.after, B.after, A.after.
package middleware

import (
	"context"

	"gsus/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one; the first argument is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Outcome names a reply for logs and metrics: "ok" or the fault name.
func Outcome(reply *message.Reply) string {
	if reply == nil || reply.Fault == nil {
		return "ok"
	}
	return reply.Fault.Name
}
