package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/registry"
	"gsus/transport"
)

// Conn is the daemon side of the NATS transport.
//
// NATS has no owner arbitration of its own: RequestName probes the name
// subject and, when a Registry is configured, claims the name there first.
type Conn struct {
	nc       *nats.Conn
	prefix   string
	codec    codec.Codec
	logger   *slog.Logger
	inbox    *transport.Inbox
	registry registry.Registry
	ttl      int64

	mu      sync.Mutex
	name    string
	claim   registry.Instance
	subs    []*nats.Subscription
	pending map[message.Handle]natsCall
	handles atomic.Uint64
	closed  atomic.Bool
	stop    context.CancelFunc
}

type natsCall struct {
	msg   *nats.Msg
	call  *message.Message
	codec codec.Codec
}

type Option func(*Conn)

// WithRegistry claims bus names in reg with the given lease TTL in seconds.
func WithRegistry(reg registry.Registry, ttl int64) Option {
	return func(c *Conn) { c.registry, c.ttl = reg, ttl }
}

// Open connects to the NATS server in cfg.
func Open(cfg Config, logger *slog.Logger, opts ...Option) (*Conn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		prefix:  cfg.prefix(),
		codec:   codec.GetCodec(cfg.Codec),
		logger:  logger,
		inbox:   transport.NewInbox(),
		pending: make(map[message.Handle]natsCall),
		stop:    func() {},
	}
	for _, opt := range opts {
		opt(c)
	}

	nc, err := nats.Connect(cfg.URL, cfg.options(
		nats.ClosedHandler(func(*nats.Conn) {
			c.inbox.Close(fmt.Errorf("nats connection closed: %w", berr.ErrTransport))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", "err", err)
			}
		}),
	)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %v: %w", err, berr.ErrTransport)
	}
	c.nc = nc
	return c, nil
}

// RequestName claims name and starts receiving calls addressed to it.
func (c *Conn) RequestName(ctx context.Context, name string) error {
	if err := c.probe(ctx, name); err != nil {
		return err
	}

	inst := registry.Instance{ID: uuid.NewString(), Addr: c.nc.ConnectedUrlRedacted()}
	stop := func() {}
	if c.registry != nil {
		if err := c.registry.Register(ctx, name, inst, c.ttl); err != nil {
			return err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		stop = cancel
		go c.watchOwnership(name, inst, c.registry.Watch(runCtx, name))
	}

	c.mu.Lock()
	c.name, c.claim, c.stop = name, inst, stop
	c.mu.Unlock()

	owner, err := c.nc.Subscribe(NameSubject(c.prefix, name), func(m *nats.Msg) {
		_ = m.Respond([]byte(inst.ID))
	})
	if err != nil {
		return fmt.Errorf("subscribe name: %v: %w", err, berr.ErrTransport)
	}
	calls, err := c.nc.Subscribe(CallSubject(c.prefix, name), c.handleCall)
	if err != nil {
		_ = owner.Unsubscribe()
		return fmt.Errorf("subscribe calls: %v: %w", err, berr.ErrTransport)
	}
	c.mu.Lock()
	c.subs = append(c.subs, owner, calls)
	c.mu.Unlock()
	return c.nc.FlushWithContext(ctx)
}

// probe fails with ErrNameTaken if another daemon answers on the name subject.
func (c *Conn) probe(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := c.nc.RequestWithContext(ctx, NameSubject(c.prefix, name), nil)
	switch {
	case err == nil:
		return fmt.Errorf("%s: %w", name, berr.ErrNameTaken)
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("probe %s: %v: %w", name, err, berr.ErrTransport)
	}
}

func (c *Conn) watchOwnership(name string, inst registry.Instance, updates <-chan registry.Instance) {
	for owner := range updates {
		if owner.ID != "" && owner.ID != inst.ID {
			c.logger.Error("bus name lost", "name", name, "owner", owner.ID)
			c.inbox.Close(fmt.Errorf("%s owned by %s: %w", name, owner.ID, berr.ErrNameTaken))
			return
		}
	}
}

// handleCall runs on the NATS subscription goroutine and only enqueues.
func (c *Conn) handleCall(msg *nats.Msg) {
	call, cd, err := open(msg)
	if err != nil {
		c.logger.Warn("dropping malformed call", "subject", msg.Subject, "err", err)
		return
	}
	if call.Type != message.TypeMethodCall {
		return
	}
	noReply := call.Flags&message.FlagNoReplyExpected != 0 || msg.Reply == ""

	h := message.Handle(c.handles.Add(1))
	if !noReply {
		c.mu.Lock()
		c.pending[h] = natsCall{msg: msg, call: call, codec: cd}
		c.mu.Unlock()
	}
	req := transport.RequestFrom(call, h)
	req.NoReply = noReply
	if !c.inbox.Push(req) {
		c.forget(h)
	}
}

func (c *Conn) forget(h message.Handle) {
	c.mu.Lock()
	delete(c.pending, h)
	c.mu.Unlock()
}

func (c *Conn) Next() (*message.Request, bool, error) { return c.inbox.Pop() }

func (c *Conn) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return c.inbox.Wait(ctx, timeout)
}

// SendReply publishes the reply to the caller's inbox subject.
func (c *Conn) SendReply(h message.Handle, reply *message.Reply) error {
	c.mu.Lock()
	pc, ok := c.pending[h]
	delete(c.pending, h)
	name := c.name
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("handle %d: %w", h, berr.ErrPeerGone)
	}

	out, err := envelope(pc.msg.Reply, pc.codec, transport.ReplyMessage(pc.call, reply, name))
	if err != nil {
		return err
	}
	if err := c.nc.PublishMsg(out); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("reply: %v: %w", err, berr.ErrTransport)
		}
		return fmt.Errorf("reply: %v: %w", err, berr.ErrPeerGone)
	}
	return nil
}

// Broadcast publishes sig on its interface's signal subject.
func (c *Conn) Broadcast(sig *message.Signal) error {
	c.mu.Lock()
	name := c.name
	c.mu.Unlock()
	out, err := envelope(SignalSubject(c.prefix, sig.Interface), c.codec, transport.SignalMessage(sig, name))
	if err != nil {
		return err
	}
	if err := c.nc.PublishMsg(out); err != nil {
		return fmt.Errorf("broadcast %s: %v: %w", sig.Name, err, berr.ErrTransport)
	}
	return nil
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	c.stop()
	subs := c.subs
	c.subs = nil
	name, claim := c.name, c.claim
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if c.registry != nil && name != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.registry.Deregister(ctx, name, claim); err != nil {
			c.logger.Warn("deregister failed", "name", name, "err", err)
		}
		cancel()
	}
	c.inbox.Close(fmt.Errorf("connection closed: %w", berr.ErrTransport))
	c.nc.Close()
	return nil
}

var _ transport.Conn = (*Conn)(nil)
