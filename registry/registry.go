// Package registry records which process owns a bus name when the socket
// transport runs over TCP, where no filesystem path can stand in for ownership.
//
// A name has at most one owner. Ownership is held through a TTL lease, so a
// crashed owner's claim expires on its own.
package registry

import "context"

// Instance describes the current owner of a bus name.
type Instance struct {
	ID      string `json:"id"` // unique per claim; distinguishes a restart at the same address
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register claims name for inst. It fails with berr.ErrNameTaken when
	// another instance holds the name.
	Register(ctx context.Context, name string, inst Instance, ttl int64) error
	// Deregister releases a claim made by inst. Releasing a name held by
	// someone else is a no-op.
	Deregister(ctx context.Context, name string, inst Instance) error
	// Discover returns the current owner, or berr.ErrServiceUnknown.
	Discover(ctx context.Context, name string) (Instance, error)
	// Watch reports ownership changes until ctx is done. A zero Instance
	// means the name was released.
	Watch(ctx context.Context, name string) <-chan Instance
	Close() error
}
