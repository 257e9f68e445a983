package registry

import (
	"context"
	"fmt"
	"sync"

	berr "gsus/errors"
)

// MemoryRegistry keeps claims in process. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	owners   map[string]Instance
	watchers map[string][]chan Instance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		owners:   make(map[string]Instance),
		watchers: make(map[string][]chan Instance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, name string, inst Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[name]; ok {
		return fmt.Errorf("%s owned by %s: %w", name, cur.Addr, berr.ErrNameTaken)
	}
	r.owners[name] = inst
	r.notify(name, inst)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, name string, inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[name]; ok && cur.ID == inst.ID {
		delete(r.owners, name)
		r.notify(name, Instance{})
	}
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, name string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.owners[name]
	if !ok {
		return Instance{}, fmt.Errorf("%s has no owner: %w", name, berr.ErrServiceUnknown)
	}
	return inst, nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, name string) <-chan Instance {
	ch := make(chan Instance, 8)
	r.mu.Lock()
	r.watchers[name] = append(r.watchers[name], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[name]
		for i, w := range ws {
			if w == ch {
				r.watchers[name] = append(ws[:i], ws[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch
}

// Evict drops the current owner of name as if its lease had expired.
func (r *MemoryRegistry) Evict(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, name)
	r.notify(name, Instance{})
}

func (r *MemoryRegistry) Close() error { return nil }

// notify must be called with r.mu held; slow watchers miss updates.
func (r *MemoryRegistry) notify(name string, inst Instance) {
	for _, w := range r.watchers[name] {
		select {
		case w <- inst:
		default:
		}
	}
}
