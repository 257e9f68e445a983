package dbusconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/transport"
)

const signalBuffer = 64

// Client is the caller side of the D-Bus transport.
type Client struct {
	bus    *dbus.Conn
	serial atomic.Uint32
	closed atomic.Bool
}

// Dial connects to the bus selected by scope.
func Dial(scope transport.Scope) (*Client, error) {
	bus, err := Connect(scope)
	if err != nil {
		return nil, err
	}
	return NewClient(bus), nil
}

// NewClient wraps an established bus connection. The Client owns bus.
func NewClient(bus *dbus.Conn) *Client {
	return &Client{bus: bus}
}

// Send issues msg as a D-Bus method call. The body is decoded into plain Go
// values and marshalled by godbus.
func (c *Client) Send(ctx context.Context, msg *message.Message) (<-chan *message.Message, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("client closed: %w", berr.ErrTransport)
	}
	args, err := codec.DecodeAny(msg.Body)
	if err != nil {
		return nil, err
	}
	msg.Serial = c.serial.Add(1)

	var flags dbus.Flags
	noReply := msg.Flags&message.FlagNoReplyExpected != 0
	if noReply {
		flags |= dbus.FlagNoReplyExpected
	}

	obj := c.bus.Object(msg.Destination, dbus.ObjectPath(msg.Path))
	call := obj.GoWithContext(ctx, msg.Interface+"."+msg.Member, flags, make(chan *dbus.Call, 1), args...)
	if noReply {
		if call.Err != nil {
			return nil, fmt.Errorf("send %s: %v: %w", msg.Member, call.Err, berr.ErrTransport)
		}
		return nil, nil
	}

	out := make(chan *message.Message, 1)
	go func() {
		done := <-call.Done
		if reply, ok := replyFor(msg, done); ok {
			out <- reply
			return
		}
		if ctx.Err() != nil {
			// the caller already gave up and reports its own timeout
			return
		}
		close(out)
	}()
	return out, nil
}

// replyFor converts a completed call. It reports false when the call ended
// without a reply from the peer.
func replyFor(call *message.Message, done *dbus.Call) (*message.Message, bool) {
	reply := &message.Message{
		ReplySerial: call.Serial,
		Sender:      call.Destination,
	}
	if done.Err != nil {
		var derr dbus.Error
		if !errors.As(done.Err, &derr) {
			return nil, false
		}
		reply.Type = message.TypeError
		reply.ErrorName = derr.Name
		reply.Body = codec.MustEncode(derr.Error())
		return reply, true
	}
	body, err := encodeValues(done.Body)
	if err != nil {
		reply.Type = message.TypeError
		reply.ErrorName = berr.ErrCodeFailed
		reply.Body = codec.MustEncode("unsupported reply: " + err.Error())
		return reply, true
	}
	reply.Type = message.TypeMethodReturn
	reply.Body = body
	return reply, true
}

// Subscribe adds a match rule for path and iface and forwards matching signals.
func (c *Client) Subscribe(path, iface string) (<-chan *message.Message, func(), error) {
	opts := []dbus.MatchOption{dbus.WithMatchObjectPath(dbus.ObjectPath(path)), dbus.WithMatchInterface(iface)}
	if err := c.bus.AddMatchSignal(opts...); err != nil {
		return nil, nil, fmt.Errorf("add match: %v: %w", err, berr.ErrTransport)
	}

	in := make(chan *dbus.Signal, signalBuffer)
	c.bus.Signal(in)
	out := make(chan *message.Message, signalBuffer)
	stop := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case sig, ok := <-in:
				if !ok {
					return
				}
				m, ok := signalMessage(sig)
				if !ok || m.Path != path || m.Interface != iface {
					continue
				}
				select {
				case out <- m:
				default:
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.bus.RemoveSignal(in)
			_ = c.bus.RemoveMatchSignal(opts...)
			close(stop)
		})
	}
	return out, cancel, nil
}

func signalMessage(sig *dbus.Signal) (*message.Message, bool) {
	i := strings.LastIndex(sig.Name, ".")
	if i < 0 {
		return nil, false
	}
	body, err := encodeValues(sig.Body)
	if err != nil {
		return nil, false
	}
	return &message.Message{
		Type:      message.TypeSignal,
		Path:      string(sig.Path),
		Interface: sig.Name[:i],
		Member:    sig.Name[i+1:],
		Sender:    sig.Sender,
		Body:      body,
	}, true
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.bus.Close(); err != nil && !errClosed(err) {
		return err
	}
	return nil
}

var _ transport.ClientConn = (*Client)(nil)
