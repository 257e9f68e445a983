package transport

import (
	"context"
	"sync"
	"time"

	"gsus/message"
)

// Inbox is the queue between a transport's reader goroutines and the event
// loop: a mutex-guarded FIFO plus a one-slot wake channel.
type Inbox struct {
	mu     sync.Mutex
	queue  []*message.Request
	err    error // set once the transport is closed
	wakeup chan struct{}
}

func NewInbox() *Inbox {
	return &Inbox{wakeup: make(chan struct{}, 1)}
}

// Push appends req and wakes the loop. It reports false once the inbox is closed.
func (b *Inbox) Push(req *message.Request) bool {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, req)
	b.mu.Unlock()
	b.wake()
	return true
}

// Pop implements Conn.Next. Queued requests are drained before the close error surfaces.
func (b *Inbox) Pop() (*message.Request, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		req := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		return req, true, nil
	}
	if b.err != nil {
		return nil, false, b.err
	}
	return nil, false, nil
}

// Wait implements Conn.Wait.
func (b *Inbox) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	ready := len(b.queue) > 0 || b.err != nil
	b.mu.Unlock()
	if ready {
		return true, nil
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-b.wakeup:
		return true, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close makes every later Pop on an empty queue fail with err.
func (b *Inbox) Close(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.wake()
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Inbox) wake() {
	select {
	case b.wakeup <- struct{}{}:
	default:
	}
}
