// Package storetest provides store wrappers for tests: a counting store that can
// slow down writes, and a faulty store whose operations can be made to fail.
package storetest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dIdx/lib/store"
)

// Op selects the operations a fault applies to.
type Op uint8

const (
	OpLoad Op = 1 << iota
	OpSave
	OpDelete
	OpCommit

	OpWrite = OpSave | OpDelete | OpCommit
	OpAll   = OpLoad | OpWrite
)

// Store wraps a transactional store, counts its calls and injects faults.
type Store struct {
	inner store.ITransactionalStore

	loads   atomic.Int64
	saves   atomic.Int64
	deletes atomic.Int64
	commits atomic.Int64

	mu     sync.Mutex
	delay  time.Duration
	faults []*fault
}

type fault struct {
	ops    Op
	prefix string
	err    error
	// remaining number of failures, negative means forever
	remaining int
	// lost faults let the operation reach the inner store and fail afterwards
	lost bool
}

// Wrap returns a wrapper around inner.
func Wrap(inner store.ITransactionalStore) *Store {
	return &Store{inner: inner}
}

// SetWriteDelay delays every write by d, failing or not, which keeps a group commit in flight.
func (s *Store) SetWriteDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailNext makes the next n operations of kind ops on keys with the given prefix fail with err.
// n < 0 fails until Heal is called.
func (s *Store) FailNext(ops Op, prefix string, n int, err error) {
	if err == nil {
		err = store.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{ops: ops, prefix: prefix, err: err, remaining: n})
}

// LoseNextReply makes the next n writes of kind ops on keys with the given prefix
// reach the inner store and then fail with err, as if the reply got lost.
func (s *Store) LoseNextReply(ops Op, prefix string, n int, err error) {
	if err == nil {
		err = store.ErrUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{ops: ops & OpWrite, prefix: prefix, err: err, remaining: n, lost: true})
}

// Heal removes all faults.
func (s *Store) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

func (s *Store) Loads() int64   { return s.loads.Load() }
func (s *Store) Saves() int64   { return s.saves.Load() }
func (s *Store) Deletes() int64 { return s.deletes.Load() }
func (s *Store) Commits() int64 { return s.commits.Load() }

// Reset zeroes all counters.
func (s *Store) Reset() {
	s.loads.Store(0)
	s.saves.Store(0)
	s.deletes.Store(0)
	s.commits.Store(0)
}

// check returns the error of the first matching fault. lost is set if the
// operation must still reach the inner store.
func (s *Store) check(ctx context.Context, op Op, keys ...string) (lost bool, err error) {
	s.mu.Lock()
	delay := s.delay
	for _, f := range s.faults {
		if f.ops&op == 0 || f.remaining == 0 {
			continue
		}
		for _, k := range keys {
			if strings.HasPrefix(k, f.prefix) {
				err = f.err
				break
			}
		}
		if err != nil {
			if f.remaining > 0 {
				f.remaining--
			}
			lost = f.lost
			break
		}
	}
	s.mu.Unlock()

	// failing writes are slow too
	if delay > 0 && op&OpWrite != 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return lost, err
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Load(ctx context.Context, key string) (store.Record, bool, error) {
	s.loads.Add(1)
	if _, err := s.check(ctx, OpLoad, key); err != nil {
		return store.Record{}, false, err
	}
	return s.inner.Load(ctx, key)
}

func (s *Store) Save(ctx context.Context, key string, value []byte, etag string) (string, error) {
	s.saves.Add(1)
	lost, err := s.check(ctx, OpSave, key)
	if err != nil && !lost {
		return "", err
	}
	etag, serr := s.inner.Save(ctx, key, value, etag)
	if lost {
		return "", err
	}
	return etag, serr
}

func (s *Store) Delete(ctx context.Context, key string, etag string) error {
	s.deletes.Add(1)
	lost, err := s.check(ctx, OpDelete, key)
	if err != nil && !lost {
		return err
	}
	derr := s.inner.Delete(ctx, key, etag)
	if lost {
		return err
	}
	return derr
}

func (s *Store) Commit(ctx context.Context, writes []store.Write) ([]string, error) {
	s.commits.Add(1)
	keys := make([]string, len(writes))
	for i, w := range writes {
		keys[i] = w.Key
	}
	lost, err := s.check(ctx, OpCommit, keys...)
	if err != nil && !lost {
		return nil, err
	}
	etags, cerr := s.inner.Commit(ctx, writes)
	if lost {
		return nil, err
	}
	return etags, cerr
}

func (s *Store) GetInfo() store.Info {
	return s.inner.GetInfo()
}
