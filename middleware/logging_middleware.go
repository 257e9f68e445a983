package middleware

import (
	"context"
	"log/slog"
	"time"

	"gsus/message"
)

// Log attribute keys shared by the dispatch path.
const (
	KeyMethod    = "method"
	KeyInterface = "interface"
	KeySender    = "sender"
	KeyDuration  = "duration"
	KeyFault     = "fault"
)

func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			start := time.Now()
			reply := next(ctx, req)
			attrs := []slog.Attr{
				slog.String(KeyMethod, req.Method),
				slog.String(KeyInterface, req.Interface),
				slog.Duration(KeyDuration, time.Since(start)),
			}
			if req.Sender != "" {
				attrs = append(attrs, slog.String(KeySender, req.Sender))
			}
			if reply != nil && reply.Fault != nil {
				attrs = append(attrs, slog.String(KeyFault, reply.Fault.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "call failed", attrs...)
				return reply
			}
			logger.LogAttrs(ctx, slog.LevelDebug, "call", attrs...)
			return reply
		}
	}
}
