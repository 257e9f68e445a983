// Package message defines the values exchanged between the bus core and its transports.
//
// Message is the envelope for every frame on a stream or broker transport. The
// server core never sees it: transports turn inbound method calls into a Request,
// and the core answers with a Reply or broadcasts a Signal.
package message

import "fmt"

// Type distinguishes method calls, returns, errors and signals.
type Type byte

const (
	TypeMethodCall   Type = 1
	TypeMethodReturn Type = 2
	TypeError        Type = 3
	TypeSignal       Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Flags carried by a message.
type Flags byte

const (
	// FlagNoReplyExpected marks a method call whose caller does not wait for a reply.
	FlagNoReplyExpected Flags = 1 << iota
)

// Message carries a single frame.
//
//   - Method call:   Path, Interface, Member and Destination are set; Body holds the encoded args.
//   - Method return: ReplySerial matches the call's Serial; Body holds the encoded results.
//   - Error:         ReplySerial matches the call's Serial; ErrorName is set; Body holds the message text.
//   - Signal:        Path, Interface and Member are set; no Destination.
type Message struct {
	Type        Type
	Flags       Flags
	Serial      uint32
	ReplySerial uint32
	Path        string
	Interface   string
	Member      string
	ErrorName   string
	Destination string
	Sender      string
	Body        []byte
}

// Handle correlates a Request with the Reply the transport must route back.
// Its value is meaningful only to the transport that produced it.
type Handle uint64

// Request is a decoded inbound method call.
type Request struct {
	Path      string
	Interface string
	Method    string
	Sender    string
	Body      []byte // encoded arguments; decoded by the dispatcher
	NoReply   bool
	Handle    Handle
}

// Fault is a structured error reply.
type Fault struct {
	Name    string
	Message string
}

// NewFault builds a fault with a formatted message.
func NewFault(name, format string, args ...any) *Fault {
	return &Fault{Name: name, Message: fmt.Sprintf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Name
	}
	return f.Name + ": " + f.Message
}

// Is reports whether target is a coded error carrying this fault's name.
func (f *Fault) Is(target error) bool {
	c, ok := target.(interface{ Code() string })
	return ok && c.Code() == f.Name
}

// Reply is the outcome of a dispatch: either an encoded success payload or a fault.
type Reply struct {
	Body  []byte
	Fault *Fault
}

// FaultReply wraps f in a Reply.
func FaultReply(f *Fault) *Reply { return &Reply{Fault: f} }

// IsFault reports whether the reply carries a fault.
func (r *Reply) IsFault() bool { return r.Fault != nil }

// Signal is a broadcast notification with no addressed recipient.
type Signal struct {
	Path      string
	Interface string
	Name      string
	Body      []byte
}
