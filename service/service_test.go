package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gsus/codec"
	berr "gsus/errors"
	"gsus/message"
	"gsus/server"
	"gsus/service"
	"gsus/state"
)

// recordingBus captures broadcasts together with the state seen at that moment.
type recordingBus struct {
	mu      sync.Mutex
	st      *state.ServiceState
	signals []*message.Signal
	atEmit  [][]string
	fail    bool
}

func (b *recordingBus) Broadcast(sig *message.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return berr.ErrTransport
	}
	b.signals = append(b.signals, sig)
	b.atEmit = append(b.atEmit, b.st.ListItems())
	return nil
}

type fixture struct {
	st   *state.ServiceState
	disp *server.Dispatcher
	bus  *recordingBus
}

func newFixture(t *testing.T, seed ...string) *fixture {
	t.Helper()
	st := state.New("0.1", seed...)
	reg := server.NewRegistry(service.ObjectPath, service.Interface)
	em := server.NewEmitter(reg, nil)
	require.NoError(t, service.Register(reg, em))
	reg.Seal()

	bus := &recordingBus{st: st}
	em.Attach(bus)
	return &fixture{st: st, disp: server.NewDispatcher(reg, st, nil), bus: bus}
}

func (f *fixture) call(t *testing.T, method string, out codec.Signature, args ...any) []any {
	t.Helper()
	reply := f.disp.Dispatch(context.Background(), &message.Request{
		Path:      service.ObjectPath,
		Interface: service.Interface,
		Method:    method,
		Body:      codec.MustEncode(args...),
	})
	require.False(t, reply.IsFault(), "%s: %v", method, reply.Fault)
	values, err := codec.Decode(out, reply.Body)
	require.NoError(t, err)
	return values
}

func TestEcho(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"hello", "", "ünïcödé"} {
		assert.Equal(t, s, f.call(t, service.MethodEcho, "s", s)[0])
	}
	assert.Empty(t, f.bus.signals)
	assert.Equal(t, 0, f.st.Len())
}

func TestGetVersion(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "0.1", f.call(t, service.MethodGetVersion, "s")[0])
}

func TestListAndAdd(t *testing.T) {
	f := newFixture(t, "file-a", "file-b")

	assert.Equal(t, []string{"file-a", "file-b"}, f.call(t, service.MethodList, "as")[0])
	assert.Equal(t, true, f.call(t, service.MethodAdd, "b", "file-c")[0])
	assert.Equal(t, []string{"file-a", "file-b", "file-c"}, f.call(t, service.MethodList, "as")[0])

	require.Len(t, f.bus.signals, 1)
	sig := f.bus.signals[0]
	assert.Equal(t, service.SignalChanged, sig.Name)
	assert.Equal(t, service.ObjectPath, sig.Path)
	values, err := codec.Decode("s", sig.Body)
	require.NoError(t, err)
	assert.Equal(t, "file-c", values[0])

	// emitted after the mutation
	assert.Equal(t, []string{"file-a", "file-b", "file-c"}, f.bus.atEmit[0])
}

func TestAddDuplicate(t *testing.T) {
	f := newFixture(t, "file-a")

	assert.Equal(t, true, f.call(t, service.MethodAdd, "b", "file-a")[0])
	assert.Equal(t, []string{"file-a", "file-a"}, f.call(t, service.MethodList, "as")[0])
	assert.Len(t, f.bus.signals, 1)
}

func TestAddEmpty(t *testing.T) {
	f := newFixture(t, "file-a")

	assert.Equal(t, false, f.call(t, service.MethodAdd, "b", "")[0])
	assert.Equal(t, []string{"file-a"}, f.call(t, service.MethodList, "as")[0])
	assert.Empty(t, f.bus.signals, "no signal for a refused add")
}

func TestAddKeepsStateWhenSignalRejected(t *testing.T) {
	f := newFixture(t)
	f.bus.fail = true

	assert.Equal(t, true, f.call(t, service.MethodAdd, "b", "file-c")[0])
	assert.Equal(t, []string{"file-c"}, f.st.ListItems())
}

func TestAddWrongArgument(t *testing.T) {
	f := newFixture(t)
	reply := f.disp.Dispatch(context.Background(), &message.Request{
		Path:      service.ObjectPath,
		Interface: service.Interface,
		Method:    service.MethodAdd,
		Body:      codec.MustEncode(true),
	})
	require.True(t, reply.IsFault())
	assert.ErrorIs(t, reply.Fault, berr.ErrArgumentMismatch)
	assert.Equal(t, 0, f.st.Len())
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := server.NewRegistry(service.ObjectPath, service.Interface)
	em := server.NewEmitter(reg, nil)
	require.NoError(t, service.Register(reg, em))
	assert.ErrorIs(t, service.Register(reg, em), berr.ErrDuplicateMethod)
}
