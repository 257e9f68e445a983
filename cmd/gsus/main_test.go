package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gsus/client"
	"gsus/config"
	"gsus/server"
	"gsus/service"
	"gsus/state"
	"gsus/transport"
)

// syncBuffer lets monitor write while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startDaemon serves the Manager object on a fresh hub.
func startDaemon(t *testing.T, seed ...string) *transport.Hub {
	t.Helper()
	hub := transport.NewHub()
	conn := hub.Open()

	ready := make(chan struct{})
	srv := server.NewServer(service.ObjectPath, service.Interface, state.New("0.1", seed...),
		server.WithReady(func(string) { close(ready) }))
	require.NoError(t, service.Register(srv.Registry(), srv.Emitter()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, conn, service.BusName) }()
	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
		_ = srv.Shutdown()
	})

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never became ready")
	}
	return hub
}

func hubDialer(hub *transport.Hub) dialFunc {
	return func(context.Context, *config.Config, *slog.Logger) (transport.ClientConn, error) {
		return hub.Dial(), nil
	}
}

func gsus(t *testing.T, hub *transport.Hub, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr, hubDialer(hub))
	return code, stdout.String(), stderr.String()
}

func TestCommands(t *testing.T) {
	hub := startDaemon(t, "file-a", "file-b")

	code, out, _ := gsus(t, hub, "echo", "hello world")
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello world\n", out)

	code, out, _ = gsus(t, hub, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "version: 0.1\n", out)

	code, out, _ = gsus(t, hub, "add", "file-c")
	assert.Equal(t, 0, code)
	assert.Equal(t, "added => ok\n", out)

	code, out, _ = gsus(t, hub, "list")
	assert.Equal(t, 0, code)
	assert.Equal(t, "file-a\nfile-b\nfile-c\n", out)
}

func TestUsageErrors(t *testing.T) {
	hub := startDaemon(t)

	for _, args := range [][]string{nil, {"echo"}, {"add"}, {"frobnicate"}} {
		code, out, errOut := gsus(t, hub, args...)
		assert.Equal(t, 1, code, args)
		assert.Empty(t, out, args)
		assert.Contains(t, errOut, usage, args)
	}
}

func TestHelpExitsZero(t *testing.T) {
	code, out, _ := gsus(t, transport.NewHub(), "--help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "monitor")
}

func TestServiceUnknown(t *testing.T) {
	code, out, errOut := gsus(t, transport.NewHub(), "version")
	assert.Equal(t, 1, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "version failed")
	assert.Contains(t, errOut, "ServiceUnknown")
}

func TestAddRefusedExitsOne(t *testing.T) {
	hub := startDaemon(t)
	cl := client.New(hub.Dial())
	defer cl.Close()

	var out bytes.Buffer
	err := (&AddCmd{Item: ""}).Run(&App{ctx: context.Background(), client: cl, out: &out})
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, "added => failed\n", out.String())
}

func TestMonitor(t *testing.T) {
	hub := startDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	code := make(chan int, 1)
	go func() { code <- run(ctx, []string{"monitor"}, &out, &bytes.Buffer{}, hubDialer(hub)) }()

	// the subscription races the first add, so keep adding until one is seen
	require.Eventually(t, func() bool {
		c, _, _ := gsus(t, hub, "add", "watched")
		return c == 0 && strings.Contains(out.String(), "watched\n")
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case c := <-code:
		assert.Equal(t, 0, c)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
