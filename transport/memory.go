package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	berr "gsus/errors"
	"gsus/message"
)

// Hub is an in-process bus. Daemon connections opened on it can own names;
// client connections dialed on it call those names and receive broadcasts.
type Hub struct {
	mu      sync.Mutex
	owners  map[string]*MemoryConn
	clients map[*MemoryClient]struct{}
	ids     atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		owners:  make(map[string]*MemoryConn),
		clients: make(map[*MemoryClient]struct{}),
	}
}

func (h *Hub) uniqueName() string {
	return fmt.Sprintf(":mem.%d", h.ids.Add(1))
}

// Open returns a daemon-side connection.
func (h *Hub) Open() *MemoryConn {
	return &MemoryConn{
		hub:     h,
		unique:  h.uniqueName(),
		inbox:   NewInbox(),
		pending: make(map[message.Handle]memoryCall),
	}
}

// Dial returns a client-side connection.
func (h *Hub) Dial() *MemoryClient {
	c := &MemoryClient{
		hub:    h,
		unique: h.uniqueName(),
		calls:  make(map[uint32]chan *message.Message),
		subs:   make(map[*subscription]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) owner(name string) *MemoryConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owners[name]
}

// MemoryConn implements Conn on a Hub.
type MemoryConn struct {
	hub    *Hub
	unique string
	inbox  *Inbox

	mu         sync.Mutex
	names      []string
	pending    map[message.Handle]memoryCall
	nextHandle message.Handle
	closed     bool
}

type memoryCall struct {
	client *MemoryClient
	call   *message.Message
}

func (c *MemoryConn) RequestName(ctx context.Context, name string) error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if cur, ok := c.hub.owners[name]; ok && cur != c {
		return fmt.Errorf("%s owned by %s: %w", name, cur.unique, berr.ErrNameTaken)
	}
	c.hub.owners[name] = c
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
	return nil
}

func (c *MemoryConn) Next() (*message.Request, bool, error) { return c.inbox.Pop() }

func (c *MemoryConn) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return c.inbox.Wait(ctx, timeout)
}

// deliver queues a call from client. ok is false if c is closed.
func (c *MemoryConn) deliver(client *MemoryClient, call *message.Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.nextHandle++
	h := c.nextHandle
	if call.Flags&message.FlagNoReplyExpected == 0 {
		c.pending[h] = memoryCall{client: client, call: call}
	}
	c.mu.Unlock()
	return c.inbox.Push(RequestFrom(call, h))
}

func (c *MemoryConn) SendReply(h message.Handle, reply *message.Reply) error {
	c.mu.Lock()
	mc, ok := c.pending[h]
	delete(c.pending, h)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no caller waiting on handle %d: %w", h, berr.ErrPeerGone)
	}
	return mc.client.complete(ReplyMessage(mc.call, reply, c.unique))
}

func (c *MemoryConn) Broadcast(sig *message.Signal) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("broadcast on closed connection: %w", berr.ErrTransport)
	}

	m := SignalMessage(sig, c.unique)
	c.hub.mu.Lock()
	clients := make([]*MemoryClient, 0, len(c.hub.clients))
	for cl := range c.hub.clients {
		clients = append(clients, cl)
	}
	c.hub.mu.Unlock()
	for _, cl := range clients {
		cl.signal(m)
	}
	return nil
}

// Close releases every owned name. Callers still waiting see their reply
// channel closed.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	names := c.names
	pending := c.pending
	c.pending = make(map[message.Handle]memoryCall)
	c.mu.Unlock()

	c.hub.mu.Lock()
	for _, n := range names {
		if c.hub.owners[n] == c {
			delete(c.hub.owners, n)
		}
	}
	c.hub.mu.Unlock()

	for _, mc := range pending {
		mc.client.abandon(mc.call.Serial)
	}
	c.inbox.Close(fmt.Errorf("connection closed: %w", berr.ErrTransport))
	return nil
}

// MemoryClient implements ClientConn on a Hub.
type MemoryClient struct {
	hub    *Hub
	unique string
	serial atomic.Uint32

	mu     sync.Mutex
	calls  map[uint32]chan *message.Message
	subs   map[*subscription]struct{}
	closed bool
}

// UniqueName is the sender name the hub assigned to this client.
func (c *MemoryClient) UniqueName() string { return c.unique }

func (c *MemoryClient) Send(ctx context.Context, msg *message.Message) (<-chan *message.Message, error) {
	msg.Type = message.TypeMethodCall
	msg.Serial = c.serial.Add(1)
	msg.Sender = c.unique
	noReply := msg.Flags&message.FlagNoReplyExpected != 0

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("send on closed connection: %w", berr.ErrTransport)
	}
	var ch chan *message.Message
	if !noReply {
		ch = make(chan *message.Message, 1)
		c.calls[msg.Serial] = ch
	}
	c.mu.Unlock()

	conn := c.hub.owner(msg.Destination)
	if conn == nil || !conn.deliver(c, msg) {
		c.complete(ErrorMessage(msg, message.NewFault(berr.ErrCodeServiceUnknown, "the name %s was not provided by any service", msg.Destination), ""))
	}
	return ch, nil
}

// complete hands a reply to the waiting call.
func (c *MemoryClient) complete(reply *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.calls[reply.ReplySerial]
	if c.closed || !ok {
		return fmt.Errorf("caller %s gone: %w", c.unique, berr.ErrPeerGone)
	}
	delete(c.calls, reply.ReplySerial)
	ch <- reply
	return nil
}

func (c *MemoryClient) abandon(serial uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.calls[serial]; ok {
		delete(c.calls, serial)
		close(ch)
	}
}

func (c *MemoryClient) signal(m *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs {
		s.offer(m)
	}
}

func (c *MemoryClient) Subscribe(path, iface string) (<-chan *message.Message, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, fmt.Errorf("subscribe on closed connection: %w", berr.ErrTransport)
	}
	s := newSubscription(path, iface)
	c.subs[s] = struct{}{}
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			close(s.ch)
		}
	}
	return s.ch, cancel, nil
}

func (c *MemoryClient) Close() error {
	c.hub.mu.Lock()
	delete(c.hub.clients, c)
	c.hub.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for serial, ch := range c.calls {
		delete(c.calls, serial)
		close(ch)
	}
	for s := range c.subs {
		delete(c.subs, s)
		close(s.ch)
	}
	return nil
}

// subscription is a signal filter with a bounded queue; a full queue drops.
type subscription struct {
	path, iface string
	ch          chan *message.Message
}

const subscriptionBuffer = 64

func newSubscription(path, iface string) *subscription {
	return &subscription{path: path, iface: iface, ch: make(chan *message.Message, subscriptionBuffer)}
}

func (s *subscription) matches(m *message.Message) bool {
	return (s.path == "" || s.path == m.Path) && (s.iface == "" || s.iface == m.Interface)
}

// offer must be called with the owner's lock held so it never races close.
func (s *subscription) offer(m *message.Message) {
	if !s.matches(m) {
		return
	}
	select {
	case s.ch <- m:
	default:
	}
}
