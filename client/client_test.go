package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gsus/client"
	berr "gsus/errors"
	"gsus/message"
	"gsus/server"
	"gsus/service"
	"gsus/state"
	"gsus/transport"
)

// startDaemon serves the Manager object on a fresh hub and returns a client.
func startDaemon(t *testing.T, opts ...client.Option) (*client.Client, *state.ServiceState) {
	t.Helper()
	hub := transport.NewHub()
	conn := hub.Open()

	st := state.New("0.1", "file-a", "file-b")
	ready := make(chan struct{})
	srv := server.NewServer(service.ObjectPath, service.Interface, st, server.WithReady(func(string) { close(ready) }))
	require.NoError(t, service.Register(srv.Registry(), srv.Emitter()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn, service.BusName) }()
	<-ready

	c := client.New(hub.Dial(), opts...)
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
		conn.Close()
	})
	return c, st
}

func TestClientCalls(t *testing.T) {
	c, _ := startDaemon(t)
	ctx := context.Background()

	echoed, err := c.Echo(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", echoed)

	version, err := c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1", version)

	items, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-a", "file-b"}, items)

	ok, err := c.Add(ctx, "file-c")
	require.NoError(t, err)
	assert.True(t, ok)

	items, err = c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-a", "file-b", "file-c"}, items)

	ok, err = c.Add(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientGenericCall(t *testing.T) {
	c, _ := startDaemon(t)

	values, err := c.Call(context.Background(), service.MethodList)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, []string{"file-a", "file-b"}, values[0])
}

func TestClientFaults(t *testing.T) {
	c, st := startDaemon(t)
	ctx := context.Background()

	_, err := c.Call(ctx, "Remove", "file-a")
	assert.ErrorIs(t, err, berr.ErrUnknownMethod)
	var f *message.Fault
	require.ErrorAs(t, err, &f)
	assert.Contains(t, f.Message, "Remove")

	_, err = c.Call(ctx, service.MethodAdd, true)
	assert.ErrorIs(t, err, berr.ErrArgumentMismatch)
	assert.Equal(t, 2, st.Len())
}

func TestClientServiceUnknown(t *testing.T) {
	c := client.New(transport.NewHub().Dial())
	defer c.Close()

	_, err := c.GetVersion(context.Background())
	assert.ErrorIs(t, err, berr.ErrServiceUnknown)
}

func TestClientTimeout(t *testing.T) {
	hub := transport.NewHub()
	silent := hub.Open()
	defer silent.Close()
	require.NoError(t, silent.RequestName(context.Background(), service.BusName))

	c := client.New(hub.Dial(), client.WithTimeout(50*time.Millisecond))
	defer c.Close()

	_, err := c.Echo(context.Background(), "anyone?")
	assert.ErrorIs(t, err, berr.ErrNoReply)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientConnectionLost(t *testing.T) {
	hub := transport.NewHub()
	daemon := hub.Open()
	require.NoError(t, daemon.RequestName(context.Background(), service.BusName))

	c := client.New(hub.Dial())
	defer c.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := c.Echo(context.Background(), "x")
		errc <- err
	}()

	// wait for the call to be queued, then drop the daemon
	require.Eventually(t, func() bool {
		ok, _ := daemon.Wait(context.Background(), 0)
		return ok
	}, time.Second, 5*time.Millisecond)
	daemon.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, berr.ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after the daemon went away")
	}
}

func TestClientWatch(t *testing.T) {
	c, _ := startDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := c.Watch(ctx)
	require.NoError(t, err)

	_, err = c.Add(ctx, "file-c")
	require.NoError(t, err)
	_, err = c.Add(ctx, "")
	require.NoError(t, err)
	_, err = c.Add(ctx, "file-d")
	require.NoError(t, err)

	for _, want := range []string{"file-c", "file-d"} {
		select {
		case got := <-changes:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing Changed(%s)", want)
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-changes
		return !ok
	}, time.Second, 5*time.Millisecond)
}
