package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	berr "gsus/errors"
	"gsus/message"
)

// RecoverMiddleware turns a handler panic into a Failed fault so the event
// loop survives a faulty handler.
func RecoverMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (reply *message.Reply) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						KeyMethod, req.Method,
						"panic", r,
						"stack", string(debug.Stack()))
					reply = message.FaultReply(message.NewFault(berr.ErrCodeFailed, "internal error in %s", req.Method))
				}
			}()
			return next(ctx, req)
		}
	}
}
