// Package lstore implements an in-memory, single-process store. Data does not
// survive a restart. It implements store.ITransactionalStore, so it backs
// transactional indexes in tests and in the demo.
package lstore

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	value   []byte
	version uint64
}

func (e entry) etag() string {
	return strconv.FormatUint(e.version, 10)
}

type storeImpl struct {
	data *xsync.MapOf[string, entry]

	// single-key writes hold the read side, commits the write side
	commitMu sync.RWMutex
	index    atomic.Uint64
}

// NewLocalStore creates a new local store instance.
func NewLocalStore() store.ITransactionalStore {
	return &storeImpl{
		data: xsync.NewMapOf[string, entry](),
	}
}

// incAndGetIndex returns a new unique version.
func (s *storeImpl) incAndGetIndex() uint64 {
	return s.index.Add(1)
}

func currentETag(e entry, loaded bool) string {
	if !loaded {
		return ""
	}
	return e.etag()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Load(ctx context.Context, key string) (store.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, false, err
	}
	e, ok := s.data.Load(key)
	if !ok {
		return store.Record{}, false, nil
	}
	return store.Record{Value: append([]byte(nil), e.value...), ETag: e.etag()}, true, nil
}

func (s *storeImpl) Save(ctx context.Context, key string, value []byte, etag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	var err error
	res, _ := s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if current := currentETag(old, loaded); current != etag {
			err = store.Conflictf(key, etag, current)
			return old, !loaded
		}
		return entry{value: append([]byte(nil), value...), version: s.incAndGetIndex()}, false
	})
	if err != nil {
		return "", err
	}
	return res.etag(), nil
}

func (s *storeImpl) Delete(ctx context.Context, key string, etag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()

	var err error
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if current := currentETag(old, loaded); current != etag {
			err = store.Conflictf(key, etag, current)
			return old, !loaded
		}
		return old, true
	})
	return err
}

func (s *storeImpl) Commit(ctx context.Context, writes []store.Write) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	// check everything first, nothing is applied on a mismatch
	for _, w := range writes {
		old, loaded := s.data.Load(w.Key)
		if current := currentETag(old, loaded); current != w.ETag {
			return nil, store.Conflictf(w.Key, w.ETag, current)
		}
	}

	etags := make([]string, len(writes))
	for i, w := range writes {
		if w.Delete {
			s.data.Delete(w.Key)
			continue
		}
		e := entry{value: append([]byte(nil), w.Value...), version: s.incAndGetIndex()}
		s.data.Store(w.Key, e)
		etags[i] = e.etag()
	}
	return etags, nil
}

func (s *storeImpl) GetInfo() store.Info {
	return store.Info{
		Backend:       "memory",
		Keys:          uint64(s.data.Size()),
		Transactional: true,
	}
}
