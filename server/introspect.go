package server

import (
	"github.com/godbus/dbus/v5/introspect"

	"gsus/codec"
)

// Standard interfaces answered by the dispatcher for every object.
const (
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PeerInterface           = "org.freedesktop.DBus.Peer"
)

// Introspect returns the object's D-Bus introspection XML.
func (r *Registry) Introspect() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.introXML != "" {
		return r.introXML
	}
	return r.renderIntrospection()
}

// renderIntrospection must be called with r.mu held.
func (r *Registry) renderIntrospection() string {
	iface := introspect.Interface{Name: r.iface}
	for _, name := range r.order {
		m := r.methods[name]
		var args []introspect.Arg
		args = appendArgs(args, m.In, "in")
		args = appendArgs(args, m.Out, "out")
		iface.Methods = append(iface.Methods, introspect.Method{Name: m.Name, Args: args})
	}
	for _, name := range r.sigOrder {
		s := r.signals[name]
		iface.Signals = append(iface.Signals, introspect.Signal{Name: s.Name, Args: appendArgs(nil, s.Signature, "")})
	}

	node := introspect.Node{
		Name:       r.path,
		Interfaces: []introspect.Interface{iface},
	}
	return string(introspect.NewIntrospectable(&node))
}

// appendArgs adds one unnamed argument per complete type in sig.
func appendArgs(args []introspect.Arg, sig codec.Signature, direction string) []introspect.Arg {
	types, _ := sig.Types()
	for _, t := range types {
		args = append(args, introspect.Arg{Type: t, Direction: direction})
	}
	return args
}
