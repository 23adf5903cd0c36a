package txn

import (
	"context"
	"sync"
)

// ResourceLock gives one transaction at a time exclusive access to a resource.
// The owning transaction may re-acquire it any number of times.
type ResourceLock struct {
	mu      sync.Mutex
	owner   *Tx
	release chan struct{}
}

// Acquire blocks until tx owns the lock or ctx is done. onAcquire runs once, when
// the lock changes hands, before any other caller of the same transaction proceeds.
// It reports whether this call took the lock.
func (l *ResourceLock) Acquire(ctx context.Context, tx *Tx, onAcquire func()) (bool, error) {
	if tx == nil {
		return false, ErrNotActive
	}
	for {
		l.mu.Lock()
		if l.owner == tx {
			l.mu.Unlock()
			return false, nil
		}
		if l.owner == nil {
			l.owner = tx
			l.release = make(chan struct{})
			if onAcquire != nil {
				onAcquire()
			}
			l.mu.Unlock()
			return true, nil
		}
		ch := l.release
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Release frees the lock if tx owns it.
func (l *ResourceLock) Release(tx *Tx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == tx && tx != nil {
		l.owner = nil
		close(l.release)
	}
}

// Do runs fn once no other transaction holds the lock. fn runs while the lock is
// held internally, so it must not block.
func (l *ResourceLock) Do(ctx context.Context, tx *Tx, fn func()) error {
	for {
		l.mu.Lock()
		if l.owner == nil || (tx != nil && l.owner == tx) {
			fn()
			l.mu.Unlock()
			return nil
		}
		ch := l.release
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OwnedBy reports whether tx currently holds the lock.
func (l *ResourceLock) OwnedBy(tx *Tx) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return tx != nil && l.owner == tx
}
