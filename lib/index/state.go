package index

import (
	"maps"
	"slices"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/codec"
)

// Status is the lifecycle state of a bucket.
type Status uint8

const (
	StatusUnderConstruction Status = iota
	StatusAvailable
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusUnderConstruction:
		return "UnderConstruction"
	case StatusAvailable:
		return "Available"
	case StatusDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// Entry is the set of actors indexed under one key.
// Tentative entries are hidden from lookups until a non-tentative update confirms them.
type Entry struct {
	Values    map[actor.Ref]struct{}
	Tentative bool
}

func (e *Entry) has(ref actor.Ref) bool {
	_, ok := e.Values[ref]
	return ok
}

// refs returns the members sorted, so results are stable.
func (e *Entry) refs() []actor.Ref {
	refs := slices.Collect(maps.Keys(e.Values))
	slices.SortFunc(refs, actor.Compare)
	return refs
}

// BucketState is the persisted content of one bucket.
type BucketState[K comparable] struct {
	Map    map[K]*Entry
	Status Status
	// NextBucket is the storage key of the overflow bucket. Once set it is never cleared.
	NextBucket string
}

func newBucketState[K comparable]() *BucketState[K] {
	return &BucketState[K]{
		Map:    make(map[K]*Entry),
		Status: StatusAvailable,
	}
}

func (s *BucketState[K]) clone() *BucketState[K] {
	c := &BucketState[K]{
		Map:        make(map[K]*Entry, len(s.Map)),
		Status:     s.Status,
		NextBucket: s.NextBucket,
	}
	for k, e := range s.Map {
		c.Map[k] = &Entry{Values: maps.Clone(e.Values), Tentative: e.Tentative}
	}
	return c
}

// apply runs the update algorithm for one actor against this bucket.
//
// The delete half removes ref from the entry at Before if that key lives here.
// The insert half adds ref at After if the key lives here, or creates the key if
// this bucket is the tail of the chain and still has capacity. Whatever half
// cannot be applied here is returned as the residual update for the next bucket.
// A unique violation is detected before anything is mutated.
//
// If the insert half of an Update travels on while its delete half lives here,
// the delete is not applied but returned as deferred. The caller applies it once
// the insert succeeded further down the chain, so a rejected insert leaves the
// old value in place.
func (s *BucketState[K]) apply(ref actor.Ref, u PropertyUpdate[K], unique bool, capacity int) (residual, deferred PropertyUpdate[K], err error) {
	hasNext := s.NextBucket != ""

	var del, fwdDel, ins, fwdIns bool

	if u.Op == OpDelete || u.Op == OpUpdate {
		if e, ok := s.Map[u.Before]; ok {
			// the key lives only here, if ref is missing there is nothing to delete
			del = e.has(ref)
		} else {
			fwdDel = hasNext
		}
	}

	if u.Op == OpInsert || u.Op == OpUpdate {
		if e, ok := s.Map[u.After]; ok {
			if unique && len(e.Values) > 0 && !e.has(ref) {
				return residual, deferred, Errorf(RetCConstraintViolation,
					"key %v is already taken by %s", u.After, e.refs()[0])
			}
			ins = true
		} else if !hasNext && (capacity <= 0 || len(s.Map) < capacity) {
			ins = true
		} else {
			fwdIns = true
		}
	}

	if del && fwdIns {
		del = false
		deferred = PropertyUpdate[K]{Op: OpDelete, Before: u.Before, Mode: u.Mode}
	}

	if del {
		s.removeLocal(u.Before, ref, u.Mode)
	}
	if ins {
		s.insertLocal(u.After, ref, u.Mode)
	}

	residual = PropertyUpdate[K]{Mode: u.Mode}
	switch {
	case fwdDel && fwdIns:
		residual.Op, residual.Before, residual.After = OpUpdate, u.Before, u.After
	case fwdDel:
		residual.Op, residual.Before = OpDelete, u.Before
	case fwdIns:
		residual.Op, residual.After = OpInsert, u.After
	}
	return residual, deferred, nil
}

func (s *BucketState[K]) removeLocal(key K, ref actor.Ref, mode UpdateMode) {
	e := s.Map[key]
	if mode == ModeTentative {
		e.Tentative = true
		return
	}
	delete(e.Values, ref)
	if len(e.Values) == 0 {
		delete(s.Map, key)
		return
	}
	e.Tentative = false
}

func (s *BucketState[K]) insertLocal(key K, ref actor.Ref, mode UpdateMode) {
	e, ok := s.Map[key]
	if !ok {
		e = &Entry{Values: make(map[actor.Ref]struct{}, 1)}
		s.Map[key] = e
	}
	e.Values[ref] = struct{}{}
	e.Tentative = mode == ModeTentative
}

// --------------------------------------------------------------------------
// Persistence format
// --------------------------------------------------------------------------

type storedEntry[K comparable] struct {
	Key       K           `json:"k" msgpack:"k"`
	Values    []actor.Ref `json:"v" msgpack:"v"`
	Tentative bool        `json:"t,omitempty" msgpack:"t,omitempty"`
}

type storedState[K comparable] struct {
	Status  Status           `json:"status" msgpack:"status"`
	Next    string           `json:"next,omitempty" msgpack:"next,omitempty"`
	Entries []storedEntry[K] `json:"entries" msgpack:"entries"`
}

func (s *BucketState[K]) encode(c codec.IStateCodec) ([]byte, error) {
	stored := storedState[K]{
		Status:  s.Status,
		Next:    s.NextBucket,
		Entries: make([]storedEntry[K], 0, len(s.Map)),
	}
	for k, e := range s.Map {
		stored.Entries = append(stored.Entries, storedEntry[K]{Key: k, Values: e.refs(), Tentative: e.Tentative})
	}
	return c.Marshal(stored)
}

func decodeBucketState[K comparable](c codec.IStateCodec, data []byte) (*BucketState[K], error) {
	var stored storedState[K]
	if err := c.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	s := &BucketState[K]{
		Map:        make(map[K]*Entry, len(stored.Entries)),
		Status:     stored.Status,
		NextBucket: stored.Next,
	}
	for _, se := range stored.Entries {
		e := &Entry{Values: make(map[actor.Ref]struct{}, len(se.Values)), Tentative: se.Tentative}
		for _, ref := range se.Values {
			e.Values[ref] = struct{}{}
		}
		s.Map[se.Key] = e
	}
	return s, nil
}
