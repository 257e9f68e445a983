package server

import (
	"context"
	"fmt"
	"sync"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/state"
	"gsus/transport"
)

// Handler implements one method. args arrive decoded per the method's input
// signature; the results must match its output signature.
//
// A handler error that is a *message.Fault (or wraps a berr code with a wire
// name) is sent to the caller as is; any other error becomes a Failed fault.
type Handler func(ctx context.Context, st *state.ServiceState, args []any) ([]any, error)

// MethodDescriptor is immutable once registered.
type MethodDescriptor struct {
	Name    string
	In      codec.Signature
	Out     codec.Signature
	Handler Handler
}

type SignalDescriptor struct {
	Name      string
	Signature codec.Signature
}

// Registry is the method table of one object interface. Registration happens
// before the event loop starts; Seal freezes the table.
type Registry struct {
	path  string
	iface string

	mu       sync.RWMutex
	methods  map[string]*MethodDescriptor
	order    []string
	signals  map[string]*SignalDescriptor
	sigOrder []string
	sealed   bool
	introXML string
}

func NewRegistry(path, iface string) *Registry {
	return &Registry{
		path:    path,
		iface:   iface,
		methods: make(map[string]*MethodDescriptor),
		signals: make(map[string]*SignalDescriptor),
	}
}

func (r *Registry) Path() string      { return r.path }
func (r *Registry) Interface() string { return r.iface }

// Register adds a method. Names are unique.
func (r *Registry) Register(name string, in, out codec.Signature, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("method %q: name and handler are required: %w", name, berr.ErrFormat)
	}
	if _, err := in.Types(); err != nil {
		return fmt.Errorf("method %s input: %w", name, err)
	}
	if _, err := out.Types(); err != nil {
		return fmt.Errorf("method %s output: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %s: %w", name, berr.ErrRegistrySealed)
	}
	if _, ok := r.methods[name]; ok {
		return fmt.Errorf("method %s: %w", name, berr.ErrDuplicateMethod)
	}
	r.methods[name] = &MethodDescriptor{Name: name, In: in, Out: out, Handler: h}
	r.order = append(r.order, name)
	return nil
}

// RegisterSignal declares a signal the object may emit.
func (r *Registry) RegisterSignal(name string, sig codec.Signature) error {
	if _, err := sig.Types(); err != nil {
		return fmt.Errorf("signal %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register signal %s: %w", name, berr.ErrRegistrySealed)
	}
	if _, ok := r.signals[name]; ok {
		return fmt.Errorf("signal %s: %w", name, berr.ErrDuplicateMethod)
	}
	r.signals[name] = &SignalDescriptor{Name: name, Signature: sig}
	r.sigOrder = append(r.sigOrder, name)
	return nil
}

// Seal rejects further registration and renders the introspection document.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.sealed = true
	r.introXML = r.renderIntrospection()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup finds a method by name.
func (r *Registry) Lookup(name string) (*MethodDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

func (r *Registry) Signal(name string) (*SignalDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signals[name]
	return s, ok
}

// Object describes the registered table for transports that export it.
func (r *Registry) Object() transport.ObjectSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj := transport.ObjectSpec{
		Path:          r.path,
		Interface:     r.iface,
		Methods:       make([]transport.MethodSpec, 0, len(r.order)),
		Signals:       make([]transport.SignalSpec, 0, len(r.sigOrder)),
		Introspection: r.introXML,
	}
	for _, name := range r.order {
		m := r.methods[name]
		obj.Methods = append(obj.Methods, transport.MethodSpec{Name: m.Name, In: m.In, Out: m.Out})
	}
	for _, name := range r.sigOrder {
		s := r.signals[name]
		obj.Signals = append(obj.Signals, transport.SignalSpec{Name: s.Name, Signature: s.Signature})
	}
	if obj.Introspection == "" {
		obj.Introspection = r.renderIntrospection()
	}
	return obj
}
