package middleware

import (
	"context"

	"golang.org/x/time/rate"

	berr "gsus/errors"
	"gsus/message"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with
// the given burst. Rejected calls get a LimitsExceeded fault and never reach
// the handler, so they cannot mutate state.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			if !limiter.Allow() {
				return message.FaultReply(message.NewFault(berr.ErrCodeRateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
