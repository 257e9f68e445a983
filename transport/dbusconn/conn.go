// Package dbusconn runs the bus core on a real D-Bus message bus through
// github.com/godbus/dbus/v5.
//
// godbus delivers each method call on its own goroutine. The exported
// functions only queue the call in an Inbox and park until the event loop
// answers through SendReply, so the single-threaded processing guarantee
// holds on this transport too.
package dbusconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/transport"
)

// DefaultCallTimeout bounds how long an exported method waits for the event loop.
const DefaultCallTimeout = 25 * time.Second

// Connect opens a private connection to the bus selected by scope.
func Connect(scope transport.Scope) (*dbus.Conn, error) {
	var (
		bus *dbus.Conn
		err error
	)
	switch scope {
	case transport.ScopeSystem:
		bus, err = dbus.ConnectSystemBus()
	case transport.ScopeUser:
		bus, err = dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus scope %q: %w", scope, berr.ErrConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s bus: %v: %w", scope, err, berr.ErrTransport)
	}
	return bus, nil
}

// Conn is the daemon side of the D-Bus transport.
type Conn struct {
	bus         *dbus.Conn
	logger      *slog.Logger
	inbox       *transport.Inbox
	callTimeout time.Duration

	nextHandle atomic.Uint64
	mu         sync.Mutex
	pending    map[message.Handle]chan *message.Reply

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Conn)

// WithCallTimeout bounds how long a caller's goroutine waits for the loop.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) { c.callTimeout = d }
}

// Open connects to the bus selected by scope.
func Open(scope transport.Scope, logger *slog.Logger, opts ...Option) (*Conn, error) {
	bus, err := Connect(scope)
	if err != nil {
		return nil, err
	}
	return New(bus, logger, opts...), nil
}

// New wraps an established bus connection. The Conn owns bus.
func New(bus *dbus.Conn, logger *slog.Logger, opts ...Option) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		bus:         bus,
		logger:      logger,
		inbox:       transport.NewInbox(),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[message.Handle]chan *message.Reply),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if bus != nil {
		go c.watchBus(bus.Context())
	}
	return c
}

func (c *Conn) watchBus(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.logger.Warn("bus connection closed")
		c.inbox.Close(fmt.Errorf("bus connection closed: %w", berr.ErrTransport))
	case <-c.done:
	}
}

// Export publishes obj's method table and introspection data. Calls to any
// other member are rejected by godbus with UnknownMethod; Peer is answered
// by godbus itself.
func (c *Conn) Export(obj transport.ObjectSpec) error {
	table, err := c.methodTable(obj)
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(obj.Path)
	if !path.IsValid() {
		return fmt.Errorf("object path %q: %w", obj.Path, berr.ErrFormat)
	}
	if err := c.bus.ExportMethodTable(table, path, obj.Interface); err != nil {
		return fmt.Errorf("export %s: %v: %w", obj.Interface, err, berr.ErrTransport)
	}
	if obj.Introspection != "" {
		if err := c.bus.Export(introspect.Introspectable(obj.Introspection), path, "org.freedesktop.DBus.Introspectable"); err != nil {
			return fmt.Errorf("export introspection: %v: %w", err, berr.ErrTransport)
		}
	}
	return nil
}

func (c *Conn) methodTable(obj transport.ObjectSpec) (map[string]any, error) {
	table := make(map[string]any, len(obj.Methods))
	for _, spec := range obj.Methods {
		fn, err := c.methodFunc(obj, spec)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", spec.Name, err)
		}
		table[spec.Name] = fn
	}
	return table, nil
}

// methodFunc builds the function godbus calls for spec. It queues a Request
// and, unless the caller asked for no reply, waits for SendReply.
func (c *Conn) methodFunc(obj transport.ObjectSpec, spec transport.MethodSpec) (any, error) {
	ft, err := methodType(spec.In, spec.Out)
	if err != nil {
		return nil, err
	}
	outTypes, _ := goTypes(spec.Out)

	fn := reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		msg := args[0].Interface().(dbus.Message)
		values := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			values = append(values, a.Interface())
		}

		body, err := encodeValues(values)
		if err != nil {
			return results(outTypes, nil, dbusError(berr.ErrCodeArgumentMismatch, err.Error()))
		}
		sender, _ := msg.Headers[dbus.FieldSender].Value().(string)
		req := &message.Request{
			Path:      obj.Path,
			Interface: obj.Interface,
			Method:    spec.Name,
			Sender:    sender,
			Body:      body,
			NoReply:   msg.Flags&dbus.FlagNoReplyExpected != 0,
		}
		reply := c.submit(req)
		if reply == nil {
			return results(outTypes, nil, nil)
		}
		if reply.IsFault() {
			return results(outTypes, nil, dbusError(reply.Fault.Name, reply.Fault.Message))
		}
		out, err := codec.Decode(spec.Out, reply.Body)
		if err != nil {
			return results(outTypes, nil, dbusError(berr.ErrCodeFailed, err.Error()))
		}
		return results(outTypes, out, nil)
	})
	return fn.Interface(), nil
}

// submit queues req and waits for its reply. It returns nil for no-reply calls.
func (c *Conn) submit(req *message.Request) *message.Reply {
	if req.NoReply {
		if !c.inbox.Push(req) {
			c.logger.Debug("dropping call on closed transport", "method", req.Method)
		}
		return nil
	}

	h := message.Handle(c.nextHandle.Add(1))
	req.Handle = h
	ch := make(chan *message.Reply, 1)
	c.mu.Lock()
	c.pending[h] = ch
	c.mu.Unlock()
	defer c.forget(h)

	if !c.inbox.Push(req) {
		return message.FaultReply(message.NewFault(berr.ErrCodeFailed, "service is shutting down"))
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply
	case <-timer.C:
		return message.FaultReply(message.NewFault(berr.ErrCodeNoReply, "no reply within %s", c.callTimeout))
	case <-c.done:
		return message.FaultReply(message.NewFault(berr.ErrCodeFailed, "service is shutting down"))
	}
}

func (c *Conn) forget(h message.Handle) {
	c.mu.Lock()
	delete(c.pending, h)
	c.mu.Unlock()
}

// RequestName claims name without queueing behind a current owner.
func (c *Conn) RequestName(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply, err := c.bus.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %v: %w", name, err, berr.ErrTransport)
	}
	switch reply {
	case dbus.RequestNameReplyPrimaryOwner, dbus.RequestNameReplyAlreadyOwner:
		return nil
	default:
		return fmt.Errorf("%s: %w", name, berr.ErrNameTaken)
	}
}

func (c *Conn) Next() (*message.Request, bool, error) { return c.inbox.Pop() }

func (c *Conn) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return c.inbox.Wait(ctx, timeout)
}

// SendReply hands reply to the goroutine godbus parked for h. The handle is
// gone when that goroutine already gave up.
func (c *Conn) SendReply(h message.Handle, reply *message.Reply) error {
	c.mu.Lock()
	ch, ok := c.pending[h]
	delete(c.pending, h)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("handle %d: %w", h, berr.ErrPeerGone)
	}
	ch <- reply
	return nil
}

// Broadcast emits sig on the bus. godbus queues the message and returns.
func (c *Conn) Broadcast(sig *message.Signal) error {
	values, err := codec.DecodeAny(sig.Body)
	if err != nil {
		return err
	}
	if err := c.bus.Emit(dbus.ObjectPath(sig.Path), sig.Interface+"."+sig.Name, values...); err != nil {
		return fmt.Errorf("emit %s: %v: %w", sig.Name, err, berr.ErrTransport)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.inbox.Close(fmt.Errorf("connection closed: %w", berr.ErrTransport))
		if c.bus != nil {
			err = c.bus.Close()
		}
	})
	return err
}

func dbusError(name, text string) *dbus.Error {
	return &dbus.Error{Name: name, Body: []any{text}}
}

// results lays out the return values of a generated method.
func results(outTypes []reflect.Type, values []any, derr *dbus.Error) []reflect.Value {
	out := make([]reflect.Value, 0, len(outTypes)+1)
	for i, t := range outTypes {
		if i < len(values) {
			out = append(out, reflect.ValueOf(values[i]))
		} else {
			out = append(out, reflect.Zero(t))
		}
	}
	if derr == nil {
		return append(out, reflect.Zero(errorType))
	}
	return append(out, reflect.ValueOf(derr))
}

var _ transport.Conn = (*Conn)(nil)
var _ transport.Exporter = (*Conn)(nil)

// errClosed reports whether err means the bus connection went away.
func errClosed(err error) bool {
	return errors.Is(err, dbus.ErrClosed)
}
