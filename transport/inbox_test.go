package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	berr "gsus/errors"
	"gsus/message"
)

func TestInboxFIFO(t *testing.T) {
	b := NewInbox()
	for _, m := range []string{"a", "b", "c"} {
		b.Push(&message.Request{Method: m})
	}
	for _, want := range []string{"a", "b", "c"} {
		req, ok, err := b.Pop()
		if err != nil || !ok || req.Method != want {
			t.Fatalf("expect %s, got %+v ok=%v err=%v", want, req, ok, err)
		}
	}
	if _, ok, err := b.Pop(); ok || err != nil {
		t.Fatalf("expect empty inbox, got ok=%v err=%v", ok, err)
	}
}

func TestInboxWait(t *testing.T) {
	b := NewInbox()

	ready, err := b.Wait(context.Background(), 20*time.Millisecond)
	if ready || err != nil {
		t.Fatalf("expect timeout, got ready=%v err=%v", ready, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Push(&message.Request{Method: "Echo"})
	}()
	ready, err = b.Wait(context.Background(), Forever)
	if !ready || err != nil {
		t.Fatalf("expect wakeup, got ready=%v err=%v", ready, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Pop()
	if _, err := b.Wait(ctx, Forever); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context canceled, got %v", err)
	}
}

func TestInboxCloseDrainsFirst(t *testing.T) {
	b := NewInbox()
	b.Push(&message.Request{Method: "List"})
	b.Close(berr.ErrTransport)

	if b.Push(&message.Request{Method: "Add"}) {
		t.Fatal("push after close should fail")
	}
	if req, ok, err := b.Pop(); !ok || err != nil || req.Method != "List" {
		t.Fatalf("queued request should survive close, got %+v ok=%v err=%v", req, ok, err)
	}
	if _, _, err := b.Pop(); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("expect close error, got %v", err)
	}
	if ready, _ := b.Wait(context.Background(), Forever); !ready {
		t.Fatal("wait on a closed inbox must not block")
	}
}
