package transport

// ClientTransport multiplexes concurrent calls over a single stream connection.
// Each call gets a unique serial, and a background goroutine (recvLoop) reads
// replies and routes them to the waiting caller through its pending channel.
//
//	goroutine-1 ──Send(serial=1)──┐
//	goroutine-2 ──Send(serial=2)──┼──→ single conn ──→ daemon
//	goroutine-3 ──Send(serial=3)──┘
//
//	recvLoop:  ←── reply(serial=2) → pending[2] → goroutine-2 wakes up
//	           ←── signal          → every matching subscription

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/protocol"
)

// DefaultHeartbeat is the keepalive interval of a dialed transport.
const DefaultHeartbeat = 30 * time.Second

type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	serial  uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.Message
	sending sync.Mutex // whole frames only; interleaved writes corrupt the stream

	subsMu sync.Mutex
	subs   map[*subscription]struct{}

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// DialSocket connects to a daemon socket.
func DialSocket(ctx context.Context, network, address string, ct codec.CodecType, heartbeat time.Duration) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %w", address, berr.ErrTransport, err)
	}
	return NewClientTransport(conn, ct, heartbeat), nil
}

// NewClientTransport wraps conn and starts the receive loop, plus a heartbeat
// loop when heartbeat is positive.
func NewClientTransport(conn net.Conn, ct codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: ct,
		subs:  make(map[*subscription]struct{}),
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Send writes a method call frame and returns the channel its reply arrives on.
func (t *ClientTransport) Send(ctx context.Context, msg *message.Message) (<-chan *message.Message, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.closed.Load() {
		return nil, fmt.Errorf("send on closed connection: %w", berr.ErrTransport)
	}

	t.serial++
	msg.Serial = t.serial
	msg.Type = message.TypeMethodCall

	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return nil, err
	}
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeCall,
		Serial:    msg.Serial,
		BodyLen:   uint32(len(body)),
	}

	// register before writing so recvLoop can never see a reply first
	var respChan chan *message.Message
	if msg.Flags&message.FlagNoReplyExpected == 0 {
		respChan = make(chan *message.Message, 1)
		t.pending.Store(msg.Serial, respChan)
		if t.closed.Load() {
			t.forget(msg.Serial)
			return nil, fmt.Errorf("connection closed: %w", berr.ErrTransport)
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(msg.Serial)
		return nil, fmt.Errorf("write call: %w: %w", berr.ErrTransport, err)
	}
	return respChan, nil
}

// Subscribe filters the signals the daemon broadcasts to this connection.
func (t *ClientTransport) Subscribe(path, iface string) (<-chan *message.Message, func(), error) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	if t.closed.Load() {
		return nil, nil, fmt.Errorf("subscribe on closed connection: %w", berr.ErrTransport)
	}
	s := newSubscription(path, iface)
	t.subs[s] = struct{}{}
	cancel := func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		if _, ok := t.subs[s]; ok {
			delete(t.subs, s)
			close(s.ch)
		}
	}
	return s.ch, cancel, nil
}

// recvLoop is the single reader of the stream. Replies can arrive in any
// order; each one is routed by serial.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeAllPending()
			return
		}

		var msg message.Message
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &msg); err != nil {
			t.closeAllPending()
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeReply:
			if channel, ok := t.pending.LoadAndDelete(msg.ReplySerial); ok {
				channel.(chan *message.Message) <- &msg
			}
		case protocol.MsgTypeSignal:
			t.subsMu.Lock()
			for s := range t.subs {
				s.offer(&msg)
			}
			t.subsMu.Unlock()
		}
	}
}

// closeAllPending runs once the stream breaks: every waiting caller sees its
// channel closed instead of blocking forever.
func (t *ClientTransport) closeAllPending() {
	t.closed.Store(true)
	t.pending.Range(func(key, value any) bool {
		t.forget(key.(uint32))
		return true
	})

	t.subsMu.Lock()
	for s := range t.subs {
		delete(t.subs, s)
		close(s.ch)
	}
	t.subsMu.Unlock()
	t.Close()
}

func (t *ClientTransport) forget(serial uint32) {
	if channel, ok := t.pending.LoadAndDelete(serial); ok {
		close(channel.(chan *message.Message))
	}
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// heartbeatLoop sends empty heartbeat frames so idle connections are not
// reaped by middleboxes and a dead daemon is noticed by the next write.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(t.codec),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
