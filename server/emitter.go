package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
)

// SubmitStatus reports whether the transport took a signal.
type SubmitStatus int

const (
	Accepted SubmitStatus = iota
	Rejected
)

func (s SubmitStatus) String() string {
	if s == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Broadcaster is the part of a transport the emitter needs.
type Broadcaster interface {
	Broadcast(sig *message.Signal) error
}

// Sink receives a copy of every accepted signal, off the event loop.
type Sink interface {
	Name() string
	Forward(ctx context.Context, sig *message.Signal) error
	Close() error
}

// SignalRecorder counts emitted signals.
type SignalRecorder interface {
	ObserveSignal(name, status string)
}

// Emitter broadcasts the object's declared signals. Emit never waits for
// subscribers and never undoes the state change that triggered it.
type Emitter struct {
	reg    *Registry
	logger *slog.Logger
	rec    SignalRecorder

	mu  sync.RWMutex
	out Broadcaster

	sinks       []Sink
	queue       chan *message.Signal
	sinkTimeout time.Duration
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type EmitterOption func(*Emitter)

// WithSinks mirrors accepted signals to sinks through a queue of the given
// size. A full queue drops the copy; the bus broadcast is unaffected.
func WithSinks(queueSize int, timeout time.Duration, sinks ...Sink) EmitterOption {
	return func(e *Emitter) {
		if len(sinks) == 0 {
			return
		}
		if queueSize <= 0 {
			queueSize = 256
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		e.sinks = append(e.sinks, sinks...)
		e.queue = make(chan *message.Signal, queueSize)
		e.sinkTimeout = timeout
	}
}

func WithSignalRecorder(rec SignalRecorder) EmitterOption {
	return func(e *Emitter) { e.rec = rec }
}

func NewEmitter(reg *Registry, logger *slog.Logger, opts ...EmitterOption) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{reg: reg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue != nil {
		e.wg.Add(1)
		go e.forwardLoop()
	}
	return e
}

// Attach routes later emissions to b. A nil b detaches.
func (e *Emitter) Attach(b Broadcaster) {
	e.mu.Lock()
	e.out = b
	e.mu.Unlock()
}

// Emit validates values against the signal's declared signature, encodes
// them and submits the signal to the transport.
func (e *Emitter) Emit(ctx context.Context, name string, values ...any) (SubmitStatus, error) {
	status, err := e.emit(name, values)
	if e.rec != nil {
		e.rec.ObserveSignal(name, status.String())
	}
	if err != nil {
		e.logger.WarnContext(ctx, "signal rejected", "signal", name, "error", err)
	}
	return status, err
}

func (e *Emitter) emit(name string, values []any) (SubmitStatus, error) {
	desc, ok := e.reg.Signal(name)
	if !ok {
		return Rejected, fmt.Errorf("signal %s is not declared: %w", name, berr.ErrFormat)
	}
	sig, err := codec.SignatureOf(values...)
	if err != nil {
		return Rejected, err
	}
	if sig != desc.Signature {
		return Rejected, fmt.Errorf("signal %s expects (%s), got (%s): %w", name, desc.Signature, sig, berr.ErrFormat)
	}
	body, err := codec.Encode(values...)
	if err != nil {
		return Rejected, err
	}

	s := &message.Signal{
		Path:      e.reg.Path(),
		Interface: e.reg.Interface(),
		Name:      name,
		Body:      body,
	}

	e.mu.RLock()
	out := e.out
	e.mu.RUnlock()
	if out == nil {
		return Rejected, fmt.Errorf("signal %s: no connection: %w", name, berr.ErrTransport)
	}
	if err := out.Broadcast(s); err != nil {
		return Rejected, fmt.Errorf("signal %s: %w: %w", name, berr.ErrTransport, err)
	}

	if e.queue != nil {
		select {
		case e.queue <- s:
		default:
			e.dropped.Add(1)
		}
	}
	return Accepted, nil
}

// Dropped counts sink copies lost to a full queue.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

func (e *Emitter) forwardLoop() {
	defer e.wg.Done()
	for s := range e.queue {
		for _, sink := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.sinkTimeout)
			if err := sink.Forward(ctx, s); err != nil {
				e.logger.Warn("sink forward failed", "sink", sink.Name(), "signal", s.Name, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued sink copies and closes the sinks. Emit must not be
// called after Close.
func (e *Emitter) Close() error {
	var firstErr error
	e.closeOnce.Do(func() {
		e.Attach(nil)
		if e.queue != nil {
			close(e.queue)
			e.wg.Wait()
		}
		for _, sink := range e.sinks {
			if err := sink.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close sink %s: %w", sink.Name(), err)
			}
		}
	})
	return firstErr
}
