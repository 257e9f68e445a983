package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/middleware"
	"gsus/state"
)

// Dispatcher resolves a request to a handler, decodes its arguments, runs it
// against the service state and encodes the reply. Every outcome is a Reply;
// failures become faults and never escape as panics.
type Dispatcher struct {
	reg     *Registry
	state   *state.ServiceState
	logger  *slog.Logger
	handler middleware.HandlerFunc
}

// NewDispatcher builds the handler chain once: panic recovery outermost,
// then mws in order, then the business handler.
func NewDispatcher(reg *Registry, st *state.ServiceState, logger *slog.Logger, mws ...middleware.Middleware) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{reg: reg, state: st, logger: logger}
	chain := append([]middleware.Middleware{middleware.RecoverMiddleware(logger)}, mws...)
	d.handler = middleware.Chain(chain...)(d.businessHandler)
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *message.Reply {
	return d.handler(ctx, req)
}

// businessHandler is the innermost HandlerFunc.
//
// Flow: route by interface → look up method → decode args against its input
// signature → call handler → check results against its output signature → encode.
func (d *Dispatcher) businessHandler(ctx context.Context, req *message.Request) *message.Reply {
	switch req.Interface {
	case IntrospectableInterface:
		return d.introspectable(req)
	case PeerInterface:
		return d.peer(req)
	case "", d.reg.Interface():
	default:
		return unknownMethod(req)
	}
	if req.Path != "" && req.Path != d.reg.Path() {
		return message.FaultReply(message.NewFault(berr.ErrCodeUnknownMethod, "no object at path %s", req.Path))
	}

	m, ok := d.reg.Lookup(req.Method)
	if !ok {
		return unknownMethod(req)
	}

	args, err := codec.Decode(m.In, req.Body)
	if err != nil {
		return message.FaultReply(message.NewFault(berr.ErrCodeArgumentMismatch, "%s expects (%s): %v", m.Name, m.In, err))
	}

	out, err := m.Handler(ctx, d.state, args)
	if err != nil {
		return message.FaultReply(faultFor(m.Name, err))
	}

	sig, err := codec.SignatureOf(out...)
	if err != nil || sig != m.Out {
		d.logger.Error("handler returned wrong types", middleware.KeyMethod, m.Name, "want", string(m.Out), "got", string(sig))
		return message.FaultReply(message.NewFault(berr.ErrCodeFailed, "%s returned an invalid result", m.Name))
	}
	body, err := codec.Encode(out...)
	if err != nil {
		return message.FaultReply(message.NewFault(berr.ErrCodeFailed, "%s: %v", m.Name, err))
	}
	return &message.Reply{Body: body}
}

func unknownMethod(req *message.Request) *message.Reply {
	return message.FaultReply(message.NewFault(berr.ErrCodeUnknownMethod,
		"no method %q on interface %q", req.Method, req.Interface))
}

// faultFor maps a handler error onto the wire.
func faultFor(method string, err error) *message.Fault {
	var f *message.Fault
	if errors.As(err, &f) {
		return f
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) && strings.HasPrefix(coded.Code(), "org.freedesktop.DBus.Error.") {
		return &message.Fault{Name: coded.Code(), Message: err.Error()}
	}
	return message.NewFault(berr.ErrCodeFailed, "%s: %v", method, err)
}

func (d *Dispatcher) introspectable(req *message.Request) *message.Reply {
	if req.Method != "Introspect" {
		return unknownMethod(req)
	}
	if _, err := codec.Decode("", req.Body); err != nil {
		return message.FaultReply(message.NewFault(berr.ErrCodeArgumentMismatch, "Introspect takes no arguments"))
	}
	return &message.Reply{Body: codec.MustEncode(d.reg.Introspect())}
}

func (d *Dispatcher) peer(req *message.Request) *message.Reply {
	if _, err := codec.Decode("", req.Body); err != nil {
		return message.FaultReply(message.NewFault(berr.ErrCodeArgumentMismatch, "%s takes no arguments", req.Method))
	}
	switch req.Method {
	case "Ping":
		return &message.Reply{Body: codec.MustEncode()}
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return message.FaultReply(message.NewFault(berr.ErrCodeFailed, "machine id: %v", err))
		}
		return &message.Reply{Body: codec.MustEncode(id)}
	default:
		return unknownMethod(req)
	}
}

func machineID() (string, error) {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		b, err := os.ReadFile(p)
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
	}
	return "", fmt.Errorf("no machine-id file")
}
