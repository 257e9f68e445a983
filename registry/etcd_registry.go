package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	berr "gsus/errors"
)

// KeyPrefix is prepended to every bus name stored in etcd:
//
//	Key:   /gsus/names/{BusName}
//	Value: JSON-encoded Instance
const KeyPrefix = "/gsus/names/"

// EtcdConfig configures the etcd connection.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Logger      *zap.Logger // nil uses zap.NewNop
}

// EtcdRegistry implements Registry on etcd v3. Claims are create-if-absent
// transactions attached to a lease that is kept alive until Deregister.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	claims map[string]claim // bus name → our lease
}

type claim struct {
	id     string
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w: %w", berr.ErrTransport, err)
	}
	return &EtcdRegistry{client: c, claims: make(map[string]claim)}, nil
}

func key(name string) string { return KeyPrefix + name }

// Register claims name with a lease of ttl seconds.
//
// Flow:
//  1. Grant a lease
//  2. Put the key only if it does not exist yet (CreateRevision == 0)
//  3. On success start KeepAlive; on conflict revoke the lease and report the owner
func (r *EtcdRegistry) Register(ctx context.Context, name string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w: %w", berr.ErrTransport, err)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	k := key(name)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(val), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(k)).
		Commit()
	if err != nil {
		r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return fmt.Errorf("claim %s: %w: %w", name, berr.ErrTransport, err)
	}
	if !resp.Succeeded {
		r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		owner := "unknown"
		if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
			var cur Instance
			if json.Unmarshal(rr.Kvs[0].Value, &cur) == nil {
				owner = cur.Addr
			}
		}
		return fmt.Errorf("%s owned by %s: %w", name, owner, berr.ErrNameTaken)
	}

	// KeepAlive outlives the caller's ctx; it stops on Deregister or Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return fmt.Errorf("keepalive: %w: %w", berr.ErrTransport, err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	r.claims[name] = claim{id: inst.ID, lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	return nil
}

// Deregister revokes the lease behind our claim, which deletes the key.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string, inst Instance) error {
	r.mu.Lock()
	c, ok := r.claims[name]
	if ok && c.id == inst.ID {
		delete(r.claims, name)
	}
	r.mu.Unlock()
	if !ok || c.id != inst.ID {
		return nil
	}

	c.cancel()
	if _, err := r.client.Revoke(ctx, c.lease); err != nil {
		return fmt.Errorf("revoke lease: %w: %w", berr.ErrTransport, err)
	}
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, name string) (Instance, error) {
	resp, err := r.client.Get(ctx, key(name))
	if err != nil {
		return Instance{}, fmt.Errorf("discover %s: %w: %w", name, berr.ErrTransport, err)
	}
	if len(resp.Kvs) == 0 {
		return Instance{}, fmt.Errorf("%s has no owner: %w", name, berr.ErrServiceUnknown)
	}
	var inst Instance
	if err := json.Unmarshal(resp.Kvs[0].Value, &inst); err != nil {
		return Instance{}, fmt.Errorf("owner record for %s: %w: %w", name, berr.ErrFormat, err)
	}
	return inst, nil
}

// Watch uses etcd's server-push watch on the name's key.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan Instance {
	ch := make(chan Instance, 1)
	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(ctx, key(name)) {
			for _, ev := range wresp.Events {
				var inst Instance
				if ev.Type != clientv3.EventTypeDelete {
					if err := json.Unmarshal(ev.Kv.Value, &inst); err != nil {
						continue
					}
				}
				select {
				case ch <- inst:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the client. Leases are left to
// expire so that a crash and a Close look the same to other processes.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for name, c := range r.claims {
		c.cancel()
		delete(r.claims, name)
	}
	r.mu.Unlock()
	return r.client.Close()
}
