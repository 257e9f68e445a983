package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/protocol"
	"gsus/registry"
)

// Socket addresses used when none is configured.
const (
	SystemSocketPath = "/run/gsus/bus.sock"
	userSocketName   = "gsus/bus.sock"
)

// SocketPath returns the unix socket of the given scope's bus.
func SocketPath(scope Scope) string {
	if scope == ScopeSystem {
		return SystemSocketPath
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, userSocketName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("gsus-%d", os.Getuid()), "bus.sock")
}

// SocketConfig configures a socket daemon connection.
type SocketConfig struct {
	Network string // "unix" or "tcp"
	Address string // socket path or listen address

	// TCP only: ownership is recorded in Registry under the bus name, with
	// Advertise (or the listener address) as the address clients dial.
	Registry    registry.Registry
	Advertise   string
	RegistryTTL int64
	Version     string

	QueueSize    int           // per-peer outbound frames; signals beyond it are dropped
	ReplyTimeout time.Duration // how long a reply may wait for queue space
	Logger       *slog.Logger
}

// SocketConn implements Conn over a stream listener. Each peer gets a reader
// goroutine that feeds the shared inbox and a writer goroutine that drains the
// peer's outbound queue, so a slow peer never stalls the event loop.
type SocketConn struct {
	cfg    SocketConfig
	logger *slog.Logger
	inbox  *Inbox

	mu       sync.Mutex
	listener net.Listener
	name     string
	claim    registry.Instance
	peers    map[*peer]struct{}
	pending  map[message.Handle]socketCall
	closed   bool

	handles atomic.Uint64
	peerIDs atomic.Uint64
	stop    context.CancelFunc
	dropped atomic.Uint64
}

type socketCall struct {
	peer  *peer
	call  *message.Message
	codec codec.CodecType
}

// OpenSocket prepares a socket connection. Nothing listens until RequestName.
func OpenSocket(cfg SocketConfig) (*SocketConn, error) {
	switch cfg.Network {
	case "unix", "tcp":
	default:
		return nil, fmt.Errorf("socket network %q: %w", cfg.Network, berr.ErrConfig)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("socket address is empty: %w", berr.ErrConfig)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 5 * time.Second
	}
	if cfg.RegistryTTL <= 0 {
		cfg.RegistryTTL = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketConn{
		cfg:     cfg,
		logger:  logger.With("transport", "socket", "address", cfg.Address),
		inbox:   NewInbox(),
		peers:   make(map[*peer]struct{}),
		pending: make(map[message.Handle]socketCall),
	}, nil
}

// Addr returns the listener address once a name is owned.
func (s *SocketConn) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Dropped counts signals discarded because a peer's queue was full.
func (s *SocketConn) Dropped() uint64 { return s.dropped.Load() }

// RequestName starts listening. On a unix socket the listening path is the
// ownership record; a live socket at that path means the name is taken and a
// dead one is replaced. Over TCP the claim goes through the registry.
func (s *SocketConn) RequestName(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("request name on closed connection: %w", berr.ErrTransport)
	}
	if s.listener != nil {
		if name == s.name {
			return nil
		}
		return fmt.Errorf("connection already owns %s: %w", s.name, berr.ErrConfig)
	}

	if s.cfg.Network == "unix" {
		if err := claimSocketPath(s.cfg.Address); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w: %w", s.cfg.Address, berr.ErrTransport, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	if s.cfg.Network == "tcp" && s.cfg.Registry != nil {
		addr := s.cfg.Advertise
		if addr == "" {
			addr = l.Addr().String()
		}
		inst := registry.Instance{ID: uuid.NewString(), Addr: addr, Version: s.cfg.Version}
		if err := s.cfg.Registry.Register(ctx, name, inst, s.cfg.RegistryTTL); err != nil {
			stop()
			l.Close()
			return err
		}
		s.claim = inst
		go s.watchOwnership(name, inst, s.cfg.Registry.Watch(runCtx, name))
	}

	s.listener = l
	s.name = name
	s.stop = stop
	s.logger.Info("name acquired", "name", name, "listen", l.Addr().String())
	go s.acceptLoop(l)
	return nil
}

// claimSocketPath removes a stale socket left by a crashed daemon.
func claimSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("socket dir: %w: %w", berr.ErrTransport, err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	c, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		c.Close()
		return fmt.Errorf("socket %s is in use: %w", path, berr.ErrNameTaken)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w: %w", berr.ErrTransport, err)
	}
	return nil
}

// watchOwnership ends the connection if the registry hands our name to
// someone else, e.g. after our lease expired during a network partition.
func (s *SocketConn) watchOwnership(name string, ours registry.Instance, updates <-chan registry.Instance) {
	for inst := range updates {
		if inst.ID == ours.ID {
			continue
		}
		s.logger.Error("name lost", "name", name, "owner", inst.Addr)
		s.inbox.Close(fmt.Errorf("lost ownership of %s: %w", name, berr.ErrNameTaken))
		return
	}
}

func (s *SocketConn) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.inbox.Close(fmt.Errorf("accept: %w: %w", berr.ErrTransport, err))
			}
			return
		}
		go s.servePeer(conn)
	}
}

// servePeer reads frames sequentially; a stream has exactly one reader.
func (s *SocketConn) servePeer(conn net.Conn) {
	p := newPeer(s.peerIDs.Add(1), conn, s.cfg.QueueSize)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	go p.writeLoop(s.logger)
	defer func() {
		p.close()
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if errors.Is(err, berr.ErrFormat) {
				s.logger.Warn("dropping peer", "peer", p.unique, "error", err)
			}
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeCall:
		default:
			s.logger.Warn("unexpected frame from peer", "peer", p.unique, "type", header.MsgType)
			continue
		}

		ct := codec.CodecType(header.CodecType)
		var msg message.Message
		if err := codec.GetCodec(ct).Decode(body, &msg); err != nil {
			s.logger.Warn("dropping peer", "peer", p.unique, "error", err)
			return
		}
		if msg.Type != message.TypeMethodCall {
			continue
		}
		msg.Serial = header.Serial
		msg.Sender = p.unique
		p.setCodec(ct)

		if msg.Destination != "" && msg.Destination != s.ownedName() {
			f := message.NewFault(berr.ErrCodeServiceUnknown, "the name %s was not provided by any service", msg.Destination)
			p.reply(frameFor(ErrorMessage(&msg, f, ""), ct, protocol.MsgTypeReply), s.cfg.ReplyTimeout)
			continue
		}

		h := message.Handle(s.handles.Add(1))
		if msg.Flags&message.FlagNoReplyExpected == 0 {
			s.mu.Lock()
			s.pending[h] = socketCall{peer: p, call: &msg, codec: ct}
			s.mu.Unlock()
		}
		if !s.inbox.Push(RequestFrom(&msg, h)) {
			return
		}
	}
}

func (s *SocketConn) ownedName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *SocketConn) Next() (*message.Request, bool, error) { return s.inbox.Pop() }

func (s *SocketConn) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.inbox.Wait(ctx, timeout)
}

func (s *SocketConn) SendReply(h message.Handle, reply *message.Reply) error {
	s.mu.Lock()
	sc, ok := s.pending[h]
	delete(s.pending, h)
	name := s.name
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no caller waiting on handle %d: %w", h, berr.ErrPeerGone)
	}
	return sc.peer.reply(frameFor(ReplyMessage(sc.call, reply, name), sc.codec, protocol.MsgTypeReply), s.cfg.ReplyTimeout)
}

func (s *SocketConn) Broadcast(sig *message.Signal) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("broadcast on closed connection: %w", berr.ErrTransport)
	}
	m := SignalMessage(sig, s.name)
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	encoded := make(map[codec.CodecType]*frame, 2)
	for _, p := range peers {
		ct := p.codecType()
		f, ok := encoded[ct]
		if !ok {
			f = frameFor(m, ct, protocol.MsgTypeSignal)
			encoded[ct] = f
		}
		if f == nil {
			return fmt.Errorf("encode signal %s: %w", sig.Name, berr.ErrFormat)
		}
		if !p.offer(f) {
			s.dropped.Add(1)
			s.logger.Debug("signal dropped", "peer", p.unique, "signal", sig.Name)
		}
	}
	return nil
}

func (s *SocketConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	name := s.name
	claim := s.claim
	stop := s.stop
	peers := s.peers
	s.peers = make(map[*peer]struct{})
	s.pending = make(map[message.Handle]socketCall)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	var err error
	if l != nil {
		err = l.Close()
		if s.cfg.Registry != nil && claim.ID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if derr := s.cfg.Registry.Deregister(ctx, name, claim); derr != nil {
				s.logger.Warn("deregister failed", "name", name, "error", derr)
			}
			cancel()
		}
	}
	for p := range peers {
		p.close()
	}
	s.inbox.Close(fmt.Errorf("connection closed: %w", berr.ErrTransport))
	return err
}

// frame is an encoded frame ready for a peer's writer.
type frame struct {
	header protocol.Header
	body   []byte
}

// frameFor encodes m; nil means m could not be encoded.
func frameFor(m *message.Message, ct codec.CodecType, mt protocol.MsgType) *frame {
	body, err := codec.GetCodec(ct).Encode(m)
	if err != nil {
		return nil
	}
	serial := m.ReplySerial
	if mt == protocol.MsgTypeSignal {
		serial = 0
	}
	return &frame{
		header: protocol.Header{CodecType: byte(ct), MsgType: mt, Serial: serial, BodyLen: uint32(len(body))},
		body:   body,
	}
}

type peer struct {
	unique string
	conn   net.Conn
	out    chan *frame
	done   chan struct{}
	once   sync.Once
	codec  atomic.Uint32
}

func newPeer(id uint64, conn net.Conn, queue int) *peer {
	p := &peer{
		unique: fmt.Sprintf(":sock.%d", id),
		conn:   conn,
		out:    make(chan *frame, queue),
		done:   make(chan struct{}),
	}
	p.codec.Store(uint32(codec.CodecTypeBinary))
	return p
}

func (p *peer) setCodec(ct codec.CodecType) { p.codec.Store(uint32(ct)) }
func (p *peer) codecType() codec.CodecType  { return codec.CodecType(p.codec.Load()) }

// writeLoop is the only writer on the stream, so frames never interleave.
func (p *peer) writeLoop(logger *slog.Logger) {
	for {
		select {
		case f := <-p.out:
			if err := protocol.Encode(p.conn, &f.header, f.body); err != nil {
				logger.Debug("peer write failed", "peer", p.unique, "error", err)
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// reply queues a reply frame, waiting up to timeout for space. A peer that
// cannot accept its reply in time is disconnected.
func (p *peer) reply(f *frame, timeout time.Duration) error {
	if f == nil {
		return fmt.Errorf("encode reply: %w", berr.ErrFormat)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return fmt.Errorf("peer %s: %w", p.unique, berr.ErrPeerGone)
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return fmt.Errorf("peer %s: %w", p.unique, berr.ErrPeerGone)
	case <-t.C:
		p.close()
		return fmt.Errorf("peer %s not reading: %w", p.unique, berr.ErrPeerGone)
	}
}

// offer queues a signal frame unless the peer's queue is full.
func (p *peer) offer(f *frame) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.out <- f:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
