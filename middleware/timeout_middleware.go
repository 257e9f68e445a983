package middleware

import (
	"context"
	"time"

	"gsus/message"
)

// TimeOutMiddleware gives the handler a context that expires after timeout.
// Handlers run on the event loop and are never abandoned; the deadline is a
// budget for anything the handler itself waits on.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
