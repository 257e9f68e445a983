// Package server implements the bus service core: the method registry, the
// dispatcher, the signal emitter and the event loop that ties them to a
// transport.
//
// Request processing pipeline:
//
//	transport reader goroutines → Inbox
//	  → Loop (one goroutine): Next → Dispatcher → middleware chain → Handler → SendReply
//	  → Handler mutates ServiceState → Emitter → transport Broadcast (+ sinks)
package server

import (
	"context"
	"fmt"
	"log/slog"

	"gsus/middleware"
	"gsus/state"
	"gsus/transport"
)

// Server owns one object: its registry, state and emitter.
type Server struct {
	reg         *Registry
	state       *state.ServiceState
	emitter     *Emitter
	logger      *slog.Logger
	middlewares []middleware.Middleware
	emitterOpts []EmitterOption
	onReady     func(name string)
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEmitterOptions configures the signal emitter (sinks, metrics).
func WithEmitterOptions(opts ...EmitterOption) Option {
	return func(s *Server) { s.emitterOpts = append(s.emitterOpts, opts...) }
}

// WithReady registers a callback run once the bus name is owned.
func WithReady(fn func(name string)) Option {
	return func(s *Server) { s.onReady = fn }
}

// NewServer creates a server for the object at path implementing iface.
func NewServer(path, iface string, st *state.ServiceState, opts ...Option) *Server {
	s := &Server{
		reg:    NewRegistry(path, iface),
		state:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.emitter = NewEmitter(s.reg, s.logger, s.emitterOpts...)
	return s
}

func (s *Server) Registry() *Registry        { return s.reg }
func (s *Server) Emitter() *Emitter          { return s.emitter }
func (s *Server) State() *state.ServiceState { return s.state }

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve seals the registry, publishes the object on conn, claims name and
// runs the event loop until ctx is cancelled or the transport fails.
// The caller closes conn.
func (s *Server) Serve(ctx context.Context, conn transport.Conn, name string) error {
	s.reg.Seal()
	disp := NewDispatcher(s.reg, s.state, s.logger, s.middlewares...)

	if exp, ok := conn.(transport.Exporter); ok {
		if err := exp.Export(s.reg.Object()); err != nil {
			return fmt.Errorf("export %s: %w", s.reg.Path(), err)
		}
	}
	if err := conn.RequestName(ctx, name); err != nil {
		return fmt.Errorf("request name %s: %w", name, err)
	}

	s.emitter.Attach(conn)
	defer s.emitter.Attach(nil)

	s.logger.Info("serving", "name", name, "path", s.reg.Path(), "interface", s.reg.Interface())
	if s.onReady != nil {
		s.onReady(name)
	}
	return NewLoop(conn, disp, s.logger).Run(ctx)
}

// Shutdown flushes the emitter's sinks. Call it after Serve returns.
func (s *Server) Shutdown() error {
	return s.emitter.Close()
}
