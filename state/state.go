// Package state holds the data owned by the running service.
package state

import "sync"

// ServiceState is an ordered, append-only list of item names plus a fixed
// version string. Duplicates are kept and insertion order is preserved.
//
// Handlers run one at a time on the event loop, but readers outside the loop
// (metrics, tests) may take snapshots concurrently, so access is guarded.
type ServiceState struct {
	mu      sync.RWMutex
	items   []string
	version string
}

// New returns a state with the given version and initial items.
func New(version string, seed ...string) *ServiceState {
	items := make([]string, len(seed))
	copy(items, seed)
	return &ServiceState{items: items, version: version}
}

// ListItems returns a copy of the items in insertion order.
func (s *ServiceState) ListItems() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// AddItem appends name and reports true, or reports false without
// modifying the list when name is empty.
func (s *ServiceState) AddItem(name string) bool {
	if name == "" {
		return false
	}
	s.mu.Lock()
	s.items = append(s.items, name)
	s.mu.Unlock()
	return true
}

// Version never changes after New.
func (s *ServiceState) Version() string {
	return s.version
}

func (s *ServiceState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
