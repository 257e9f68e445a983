package middleware

import (
	"context"
	"time"

	"gsus/message"
)

// CallRecorder receives one observation per dispatched call.
type CallRecorder interface {
	ObserveCall(method, outcome string, d time.Duration)
}

func MetricsMiddleware(rec CallRecorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			start := time.Now()
			reply := next(ctx, req)
			rec.ObserveCall(req.Method, Outcome(reply), time.Since(start))
			return reply
		}
	}
}
