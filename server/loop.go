package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	berr "gsus/errors"
	"gsus/middleware"
	"gsus/transport"
)

// Loop is the daemon's single-threaded event loop. It alternates between
// draining queued calls and waiting for activity:
//
//	Draining: Next() → dispatch → SendReply → Draining
//	          Next() → nothing queued → Waiting
//	Waiting:  Wait(-1) → Draining
//
// Exactly one call is dispatched at a time, so handlers never run concurrently.
type Loop struct {
	conn   transport.Conn
	disp   *Dispatcher
	logger *slog.Logger
}

func NewLoop(conn transport.Conn, disp *Dispatcher, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{conn: conn, disp: disp, logger: logger}
}

// Run processes calls until ctx is cancelled (returns nil) or the transport
// fails (returns an error wrapping berr.ErrTransport). A reply that cannot be
// delivered because its caller disconnected is logged and skipped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		req, ok, err := l.conn.Next()
		if err != nil {
			return transportError("next inbound message", err)
		}
		if !ok {
			if _, err := l.conn.Wait(ctx, transport.Forever); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return transportError("wait for activity", err)
			}
			continue
		}

		reply := l.disp.Dispatch(ctx, req)
		if req.NoReply {
			continue
		}
		if err := l.conn.SendReply(req.Handle, reply); err != nil {
			if errors.Is(err, berr.ErrPeerGone) {
				l.logger.Info("caller gone before reply", middleware.KeyMethod, req.Method, middleware.KeySender, req.Sender)
				continue
			}
			return transportError("send reply", err)
		}
	}
}

func transportError(op string, err error) error {
	if errors.Is(err, berr.ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, berr.ErrTransport, err)
}
