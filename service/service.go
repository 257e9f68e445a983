// Package service implements the org.gsus.Manager object: an ordered list of
// item names that clients can read and append to, and a version string.
package service

import (
	"context"

	"gsus/codec"
	"gsus/server"
	"gsus/state"
)

const (
	BusName    = "org.gsus"
	ObjectPath = "/org/gsus/Manager"
	Interface  = "org.gsus.Manager"

	MethodEcho       = "Echo"
	MethodGetVersion = "GetVersion"
	MethodList       = "List"
	MethodAdd        = "Add"

	// SignalChanged carries the name of an item that was just added.
	SignalChanged = "Changed"
)

// Emitter is satisfied by *server.Emitter.
type Emitter interface {
	Emit(ctx context.Context, name string, values ...any) (server.SubmitStatus, error)
}

// Register installs the Manager methods and the Changed signal.
func Register(reg *server.Registry, em Emitter) error {
	methods := []struct {
		name    string
		in, out codec.Signature
		h       server.Handler
	}{
		{MethodEcho, "s", "s", Echo},
		{MethodGetVersion, "", "s", GetVersion},
		{MethodList, "", "as", List},
		{MethodAdd, "s", "b", Add(em)},
	}
	for _, m := range methods {
		if err := reg.Register(m.name, m.in, m.out, m.h); err != nil {
			return err
		}
	}
	return reg.RegisterSignal(SignalChanged, "s")
}

// Echo returns its argument unchanged.
func Echo(ctx context.Context, st *state.ServiceState, args []any) ([]any, error) {
	return []any{args[0].(string)}, nil
}

func GetVersion(ctx context.Context, st *state.ServiceState, args []any) ([]any, error) {
	return []any{st.Version()}, nil
}

// List returns the items in insertion order.
func List(ctx context.Context, st *state.ServiceState, args []any) ([]any, error) {
	return []any{st.ListItems()}, nil
}

// Add appends an item and emits Changed before replying. The empty name is
// refused with false; that is a result, not a fault. A signal the transport
// rejects does not undo the append.
func Add(em Emitter) server.Handler {
	return func(ctx context.Context, st *state.ServiceState, args []any) ([]any, error) {
		name := args[0].(string)
		if !st.AddItem(name) {
			return []any{false}, nil
		}
		em.Emit(ctx, SignalChanged, name)
		return []any{true}, nil
	}
}
