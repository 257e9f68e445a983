// Package transport connects the bus core to a message bus.
//
// The daemon side implements Conn: it owns a bus name, queues inbound method
// calls, routes replies back to their callers and broadcasts signals. The
// client side implements ClientConn. Reader goroutines inside a transport only
// enqueue; everything that touches service state runs on the event loop.
package transport

import (
	"context"
	"time"

	"gsus/codec"
	"gsus/message"
)

// Scope selects which bus instance a transport connects to.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeUser   Scope = "user"
)

// Forever makes Wait block until activity or cancellation.
const Forever time.Duration = -1

// Conn is the daemon's view of the bus.
type Conn interface {
	// RequestName claims exclusive ownership of a well-known name. It fails
	// with berr.ErrNameTaken if another process owns it.
	RequestName(ctx context.Context, name string) error
	// Next takes the next queued method call without blocking. ok is false
	// when nothing is queued.
	Next() (req *message.Request, ok bool, err error)
	// Wait blocks until inbound activity, timeout or ctx cancellation.
	// A negative timeout waits forever. Spurious wakeups are allowed.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	// SendReply routes reply to the caller of the request carrying h. It fails
	// with berr.ErrPeerGone if that caller has disconnected.
	SendReply(h message.Handle, reply *message.Reply) error
	// Broadcast submits a signal without waiting for subscribers.
	Broadcast(sig *message.Signal) error
	Close() error
}

// MethodSpec describes one exported method.
type MethodSpec struct {
	Name string
	In   codec.Signature
	Out  codec.Signature
}

// SignalSpec describes one declared signal.
type SignalSpec struct {
	Name      string
	Signature codec.Signature
}

// ObjectSpec is everything a transport needs to publish an object.
type ObjectSpec struct {
	Path          string
	Interface     string
	Methods       []MethodSpec
	Signals       []SignalSpec
	Introspection string // XML document
}

// Exporter is implemented by transports that must learn the method table
// before calls can arrive (the system bus rejects calls to unexported members).
type Exporter interface {
	Export(obj ObjectSpec) error
}

// ClientConn is the caller's view of the bus.
type ClientConn interface {
	// Send submits a method call. The returned channel yields exactly one
	// method return or error message; it is closed without a value if the
	// connection is lost first. Send assigns msg.Serial.
	Send(ctx context.Context, msg *message.Message) (<-chan *message.Message, error)
	// Subscribe delivers signals emitted on path and iface until cancel is
	// called or the connection closes.
	Subscribe(path, iface string) (signals <-chan *message.Message, cancel func(), err error)
	Close() error
}

// ReplyMessage converts a dispatcher reply into the envelope answering call.
func ReplyMessage(call *message.Message, reply *message.Reply, sender string) *message.Message {
	m := &message.Message{
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Sender:      sender,
	}
	if reply.IsFault() {
		m.Type = message.TypeError
		m.ErrorName = reply.Fault.Name
		m.Body = codec.MustEncode(reply.Fault.Message)
		return m
	}
	m.Type = message.TypeMethodReturn
	m.Body = reply.Body
	return m
}

// ErrorMessage answers call with a fault produced by the transport itself.
func ErrorMessage(call *message.Message, f *message.Fault, sender string) *message.Message {
	return ReplyMessage(call, message.FaultReply(f), sender)
}

// RequestFrom converts an inbound call envelope into a Request.
func RequestFrom(m *message.Message, h message.Handle) *message.Request {
	return &message.Request{
		Path:      m.Path,
		Interface: m.Interface,
		Method:    m.Member,
		Sender:    m.Sender,
		Body:      m.Body,
		NoReply:   m.Flags&message.FlagNoReplyExpected != 0,
		Handle:    h,
	}
}

// SignalMessage wraps a signal in an envelope.
func SignalMessage(sig *message.Signal, sender string) *message.Message {
	return &message.Message{
		Type:      message.TypeSignal,
		Path:      sig.Path,
		Interface: sig.Interface,
		Member:    sig.Name,
		Sender:    sender,
		Body:      sig.Body,
	}
}
