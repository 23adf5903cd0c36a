package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dIdx/lib/lockmgr"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("actor")

// ActivateFunc creates the in-memory activation for a key, usually by loading its state.
type ActivateFunc[T any] func(ctx context.Context, key string) (T, error)

type activation[T any] struct {
	ready chan struct{}
	value T
	err   error
	owner []byte
}

// Directory maps keys to activations and guarantees that at most one activation
// per key exists in this process. With a lease manager it also claims a lease per
// key, so processes sharing a store do not activate the same key twice.
type Directory[T any] struct {
	entries  *xsync.MapOf[string, *activation[T]]
	activate ActivateFunc[T]
	leases   lockmgr.ILockManager
	leaseTTL time.Duration
}

// DirectoryOption configures a Directory
type DirectoryOption[T any] func(*Directory[T])

// WithLease makes every activation hold a lease named "lease/<key>".
func WithLease[T any](mgr lockmgr.ILockManager, ttl time.Duration) DirectoryOption[T] {
	return func(d *Directory[T]) {
		d.leases = mgr
		d.leaseTTL = ttl
	}
}

func NewDirectory[T any](activate ActivateFunc[T], opts ...DirectoryOption[T]) *Directory[T] {
	d := &Directory[T]{
		entries:  xsync.NewMapOf[string, *activation[T]](),
		activate: activate,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func leaseKey(key string) string {
	return "lease/" + key
}

// GetOrActivate returns the activation for key, activating it on first use.
// Concurrent callers for the same key wait for the same activation.
// A failed activation is forgotten, so the next call tries again.
func (d *Directory[T]) GetOrActivate(ctx context.Context, key string) (T, error) {
	a, loaded := d.entries.LoadOrCompute(key, func() *activation[T] {
		return &activation[T]{ready: make(chan struct{})}
	})

	if !loaded {
		a.value, a.owner, a.err = d.run(ctx, key)
		if a.err != nil {
			d.entries.Compute(key, func(old *activation[T], loaded bool) (*activation[T], bool) {
				return old, !loaded || old == a
			})
		}
		close(a.ready)
	}

	select {
	case <-a.ready:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return a.value, a.err
}

func (d *Directory[T]) run(ctx context.Context, key string) (T, []byte, error) {
	var zero T
	var owner []byte
	if d.leases != nil {
		ok, id, err := d.leases.AcquireLock(ctx, leaseKey(key), d.leaseTTL)
		if err != nil {
			return zero, nil, err
		}
		if !ok {
			return zero, nil, fmt.Errorf("%s is active in another process", key)
		}
		owner = id
	}

	value, err := d.activate(ctx, key)
	if err != nil {
		if owner != nil {
			if _, rerr := d.leases.ReleaseLock(ctx, leaseKey(key), owner); rerr != nil {
				log.Warningf("releasing lease of %s after failed activation: %v", key, rerr)
			}
		}
		return zero, nil, err
	}
	return value, owner, nil
}

// Lookup returns an existing, fully activated entry.
func (d *Directory[T]) Lookup(key string) (T, bool) {
	var zero T
	a, ok := d.entries.Load(key)
	if !ok {
		return zero, false
	}
	select {
	case <-a.ready:
		if a.err != nil {
			return zero, false
		}
		return a.value, true
	default:
		return zero, false
	}
}

// Deactivate drops the activation for key and releases its lease.
// The next GetOrActivate creates a fresh activation.
func (d *Directory[T]) Deactivate(ctx context.Context, key string) error {
	a, ok := d.entries.LoadAndDelete(key)
	if !ok {
		return nil
	}
	<-a.ready
	if a.owner != nil {
		if _, err := d.leases.ReleaseLock(ctx, leaseKey(key), a.owner); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateAll drops every activation.
func (d *Directory[T]) DeactivateAll(ctx context.Context) error {
	var keys []string
	d.entries.Range(func(key string, _ *activation[T]) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		if err := d.Deactivate(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Range calls fn for every ready activation until fn returns false.
func (d *Directory[T]) Range(fn func(key string, value T) bool) {
	d.entries.Range(func(key string, a *activation[T]) bool {
		select {
		case <-a.ready:
			if a.err != nil {
				return true
			}
			return fn(key, a.value)
		default:
			return true
		}
	})
}

// Len returns the number of activations, including those still activating.
func (d *Directory[T]) Len() int {
	return d.entries.Size()
}
