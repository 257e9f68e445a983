package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/transport"
)

const signalBuffer = 64

// Client is the caller side of the NATS transport.
type Client struct {
	nc     *nats.Conn
	prefix string
	codec  codec.Codec
	name   string // unique name stamped as Sender
	serial atomic.Uint32

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Dial connects to the NATS server in cfg.
func Dial(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		prefix: cfg.prefix(),
		codec:  codec.GetCodec(cfg.Codec),
		name:   ":nats." + uuid.NewString(),
		subs:   make(map[*subscription]struct{}),
	}
	nc, err := nats.Connect(cfg.URL, cfg.options(nats.ClosedHandler(func(*nats.Conn) { c.closeSubs() }))...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %v: %w", err, berr.ErrTransport)
	}
	c.nc = nc
	return c, nil
}

// Send publishes msg on the destination's call subject and waits for the
// reply in a goroutine. With no responders the reply is ServiceUnknown.
func (c *Client) Send(ctx context.Context, msg *message.Message) (<-chan *message.Message, error) {
	msg.Type = message.TypeMethodCall
	msg.Serial = c.serial.Add(1)
	msg.Sender = c.name
	out, err := envelope(CallSubject(c.prefix, msg.Destination), c.codec, msg)
	if err != nil {
		return nil, err
	}

	if msg.Flags&message.FlagNoReplyExpected != 0 {
		if err := c.nc.PublishMsg(out); err != nil {
			return nil, fmt.Errorf("send %s: %v: %w", msg.Member, err, berr.ErrTransport)
		}
		return nil, nil
	}

	ch := make(chan *message.Message, 1)
	go func() {
		resp, err := c.nc.RequestMsgWithContext(ctx, out)
		switch {
		case err == nil:
			reply, _, derr := open(resp)
			if derr != nil {
				reply = transport.ErrorMessage(msg, message.NewFault(berr.ErrCodeFailed, "malformed reply: %v", derr), msg.Destination)
			}
			ch <- reply
		case errors.Is(err, nats.ErrNoResponders):
			ch <- transport.ErrorMessage(msg, message.NewFault(berr.ErrCodeServiceUnknown, "the name %s was not provided by any service", msg.Destination), "")
		case ctx.Err() != nil:
			// the caller reports its own timeout
		default:
			close(ch)
		}
	}()
	return ch, nil
}

// Subscribe listens on the interface's signal subject and filters by path.
func (c *Client) Subscribe(path, iface string) (<-chan *message.Message, func(), error) {
	s := &subscription{path: path, ch: make(chan *message.Message, signalBuffer)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("client closed: %w", berr.ErrTransport)
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	sub, err := c.nc.Subscribe(SignalSubject(c.prefix, iface), func(m *nats.Msg) {
		sig, _, err := open(m)
		if err != nil || sig.Type != message.TypeSignal {
			return
		}
		s.offer(sig)
	})
	if err != nil {
		c.drop(s)
		return nil, nil, fmt.Errorf("subscribe %s: %v: %w", iface, err, berr.ErrTransport)
	}
	// the interest must reach the server before the caller triggers a signal
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		c.drop(s)
		return nil, nil, fmt.Errorf("subscribe %s: %v: %w", iface, err, berr.ErrTransport)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
		c.drop(s)
	}
	return s.ch, cancel, nil
}

func (c *Client) drop(s *subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
	s.close()
}

func (c *Client) closeSubs() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

func (c *Client) Close() error {
	c.nc.Close()
	c.closeSubs()
	return nil
}

// subscription filters signals by path. offer never blocks.
type subscription struct {
	path   string
	mu     sync.Mutex
	ch     chan *message.Message
	closed bool
}

func (s *subscription) offer(m *message.Message) {
	if s.path != "" && m.Path != s.path {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var _ transport.ClientConn = (*Client)(nil)
