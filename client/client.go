// Package client is the caller side of the bus: it encodes arguments, submits
// a method call, waits for the correlated reply and decodes it.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/service"
	"gsus/transport"
)

// DefaultTimeout matches the reply timeout D-Bus applies to method calls.
const DefaultTimeout = 25 * time.Second

type Client struct {
	conn        transport.ClientConn
	destination string
	path        string
	iface       string
	timeout     time.Duration
}

type Option func(*Client)

// WithTimeout bounds each call; zero waits as long as the caller's context allows.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDestination addresses another bus name.
func WithDestination(name string) Option {
	return func(c *Client) { c.destination = name }
}

// WithObject targets another object path and interface.
func WithObject(path, iface string) Option {
	return func(c *Client) { c.path, c.iface = path, iface }
}

// New returns a client for the Manager object over conn. The client owns conn.
func New(conn transport.ClientConn, opts ...Option) *Client {
	c := &Client{
		conn:        conn,
		destination: service.BusName,
		path:        service.ObjectPath,
		iface:       service.Interface,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method and returns the decoded results.
//
// A fault reply is returned as a *message.Fault, which matches the berr
// sentinels with errors.Is. Connection failures wrap berr.ErrTransport and an
// expired deadline wraps berr.ErrNoReply. Calls are never retried.
func (c *Client) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	body, err := c.invoke(ctx, method, args)
	if err != nil {
		return nil, err
	}
	return codec.DecodeAny(body)
}

func (c *Client) callTyped(ctx context.Context, method string, out codec.Signature, args ...any) ([]any, error) {
	body, err := c.invoke(ctx, method, args)
	if err != nil {
		return nil, err
	}
	values, err := codec.Decode(out, body)
	if err != nil {
		return nil, fmt.Errorf("%s reply: %w", method, err)
	}
	return values, nil
}

func (c *Client) invoke(ctx context.Context, method string, args []any) ([]byte, error) {
	body, err := codec.Encode(args...)
	if err != nil {
		return nil, fmt.Errorf("%s arguments: %w", method, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch, err := c.conn.Send(ctx, &message.Message{
		Destination: c.destination,
		Path:        c.path,
		Interface:   c.iface,
		Member:      method,
		Body:        body,
	})
	if err != nil {
		if errors.Is(err, berr.ErrTransport) {
			return nil, fmt.Errorf("call %s: %w", method, err)
		}
		return nil, fmt.Errorf("call %s: %w: %w", method, berr.ErrTransport, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("call %s: connection lost: %w", method, berr.ErrTransport)
		}
		if reply.Type == message.TypeError {
			return nil, faultFrom(reply)
		}
		return reply.Body, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("call %s: %w: %w", method, berr.ErrNoReply, ctx.Err())
	}
}

// faultFrom rebuilds a fault from an error reply; its first string argument,
// if any, is the message.
func faultFrom(reply *message.Message) *message.Fault {
	f := &message.Fault{Name: reply.ErrorName}
	if values, err := codec.DecodeAny(reply.Body); err == nil && len(values) > 0 {
		if s, ok := values[0].(string); ok {
			f.Message = s
		}
	}
	return f
}

func (c *Client) Echo(ctx context.Context, text string) (string, error) {
	values, err := c.callTyped(ctx, service.MethodEcho, "s", text)
	if err != nil {
		return "", err
	}
	return values[0].(string), nil
}

func (c *Client) GetVersion(ctx context.Context) (string, error) {
	values, err := c.callTyped(ctx, service.MethodGetVersion, "s")
	if err != nil {
		return "", err
	}
	return values[0].(string), nil
}

func (c *Client) List(ctx context.Context) ([]string, error) {
	values, err := c.callTyped(ctx, service.MethodList, "as")
	if err != nil {
		return nil, err
	}
	return values[0].([]string), nil
}

// Add reports whether the daemon accepted the item.
func (c *Client) Add(ctx context.Context, item string) (bool, error) {
	values, err := c.callTyped(ctx, service.MethodAdd, "b", item)
	if err != nil {
		return false, err
	}
	return values[0].(bool), nil
}

// Watch streams the item names carried by Changed signals until ctx is done
// or the connection closes.
func (c *Client) Watch(ctx context.Context) (<-chan string, error) {
	signals, cancel, err := c.conn.Subscribe(c.path, c.iface)
	if err != nil {
		return nil, err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-signals:
				if !ok {
					return
				}
				if m.Member != service.SignalChanged {
					continue
				}
				values, err := codec.Decode("s", m.Body)
				if err != nil {
					continue
				}
				select {
				case out <- values[0].(string):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
