package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gsus/client"
	"gsus/config"
	berr "gsus/errors"
	"gsus/transport"
)

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

func hubOpener(hub *transport.Hub) openFunc {
	return func(*config.Config, *slog.Logger) (transport.Conn, func(), error) {
		conn := hub.Open()
		return conn, func() { _ = conn.Close() }, nil
	}
}

func TestDaemonServesUntilCancelled(t *testing.T) {
	hub := transport.NewHub()
	cli := &CLI{Seed: []string{"file-a", "file-b"}}

	ctx, cancel := context.WithCancel(context.Background())
	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, cli, &stdout, &stderr, hubOpener(hub)) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "gsus daemon running (ctrl-c to exit).")
	}, 2*time.Second, 10*time.Millisecond)

	cl := client.New(hub.Dial())
	defer cl.Close()
	items, err := cl.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"file-a", "file-b"}, items)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonNameTaken(t *testing.T) {
	hub := transport.NewHub()
	owner := hub.Open()
	defer owner.Close()
	require.NoError(t, owner.RequestName(context.Background(), "org.gsus"))

	err := run(context.Background(), &CLI{}, &bytes.Buffer{}, &bytes.Buffer{}, hubOpener(hub))
	assert.True(t, errors.Is(err, berr.ErrNameTaken))
}

func TestDaemonRejectsBadConfig(t *testing.T) {
	cli := &CLI{}
	cli.Transport = "carrier-pigeon"
	err := run(context.Background(), cli, &bytes.Buffer{}, &bytes.Buffer{}, hubOpener(transport.NewHub()))
	assert.True(t, errors.Is(err, berr.ErrConfig))
}

func TestDaemonOpenFailure(t *testing.T) {
	failing := func(*config.Config, *slog.Logger) (transport.Conn, func(), error) {
		return nil, nil, berr.ErrTransport
	}
	err := run(context.Background(), &CLI{}, &bytes.Buffer{}, &bytes.Buffer{}, failing)
	assert.True(t, errors.Is(err, berr.ErrTransport))
}
