package index

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dIdx/lib/codec"
	"github.com/ValentinKolb/dIdx/lib/store"
)

// OpType is the kind of change a property update applies to an index.
type OpType uint8

const (
	OpNone   OpType = iota // value did not change
	OpInsert               // null -> value
	OpUpdate               // value -> other value
	OpDelete               // value -> null
)

func (o OpType) String() string {
	switch o {
	case OpNone:
		return "None"
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("OpType(%d)", o)
	}
}

// UpdateMode tells a bucket how to apply an update.
type UpdateMode uint8

const (
	ModeNonTentative  UpdateMode = iota // apply and confirm
	ModeTentative                       // mark the touched entries tentative, confirmed later
	ModeTransactional                   // apply inside the ambient transaction
)

func (m UpdateMode) String() string {
	switch m {
	case ModeNonTentative:
		return "NonTentative"
	case ModeTentative:
		return "Tentative"
	case ModeTransactional:
		return "Transactional"
	default:
		return fmt.Sprintf("UpdateMode(%d)", m)
	}
}

// PropertyUpdate is the change of one indexed property of one actor.
// Before is meaningful for Delete and Update, After for Insert and Update.
type PropertyUpdate[K comparable] struct {
	Op     OpType
	Before K
	After  K
	Mode   UpdateMode
}

func Insert[K comparable](after K) PropertyUpdate[K] {
	return PropertyUpdate[K]{Op: OpInsert, After: after}
}

func Delete[K comparable](before K) PropertyUpdate[K] {
	return PropertyUpdate[K]{Op: OpDelete, Before: before}
}

func Update[K comparable](before, after K) PropertyUpdate[K] {
	return PropertyUpdate[K]{Op: OpUpdate, Before: before, After: after}
}

// WithMode returns a copy of u with the given mode.
func (u PropertyUpdate[K]) WithMode(m UpdateMode) PropertyUpdate[K] {
	u.Mode = m
	return u
}

// Inverse returns the update that undoes u. The inverse is always non-tentative,
// applying it after a tentative u removes u's traces.
func (u PropertyUpdate[K]) Inverse() PropertyUpdate[K] {
	switch u.Op {
	case OpInsert:
		return PropertyUpdate[K]{Op: OpDelete, Before: u.After}
	case OpDelete:
		return PropertyUpdate[K]{Op: OpInsert, After: u.Before}
	case OpUpdate:
		return PropertyUpdate[K]{Op: OpUpdate, Before: u.After, After: u.Before}
	default:
		return PropertyUpdate[K]{}
	}
}

func (u PropertyUpdate[K]) String() string {
	switch u.Op {
	case OpInsert:
		return fmt.Sprintf("Insert(%v)", u.After)
	case OpDelete:
		return fmt.Sprintf("Delete(%v)", u.Before)
	case OpUpdate:
		return fmt.Sprintf("Update(%v -> %v)", u.Before, u.After)
	default:
		return "None"
	}
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configure an index.
type Options struct {
	// Name identifies the index, it is part of every bucket's storage key.
	Name string
	// Unique allows at most one actor per key.
	Unique bool
	// Eager indexes are updated before PerformUpdate returns, lazy ones through the workflow queue.
	Eager bool
	// NullValue is the property value meaning "not indexed". nil means the zero value of the key type.
	NullValue any
	// MaxEntriesPerBucket limits the distinct keys per bucket before a chain bucket is added. 0 = unlimited.
	MaxEntriesPerBucket int
	// MaxHashBuckets is the number of partitions of a partitioned index. 0 = one chain per key hash.
	MaxHashBuckets int
	// Transactional indexes join the ambient transaction of the updating actor.
	Transactional bool
	// Codec encodes bucket state. nil means msgpack.
	Codec codec.IStateCodec
	// PersistRetries is the number of retries of a failed bucket write.
	PersistRetries int
	// PersistBackoff is the pause between two persistence attempts.
	PersistBackoff time.Duration
}

// DefaultOptions returns eager, non-unique options with the standard retry policy.
func DefaultOptions(name string) Options {
	return Options{
		Name:           name,
		Eager:          true,
		Codec:          codec.NewMsgpackCodec(),
		PersistRetries: 3,
		PersistBackoff: 100 * time.Millisecond,
	}
}

// validate checks o against the store it will persist to and fills defaults.
func (o *Options) validate(st store.IStore) error {
	switch {
	case o.Name == "":
		return Errorf(RetCConfiguration, "index name must not be empty")
	case st == nil:
		return Errorf(RetCConfiguration, "index %s: no store", o.Name)
	case o.MaxEntriesPerBucket < 0:
		return Errorf(RetCConfiguration, "index %s: MaxEntriesPerBucket must be >= 0", o.Name)
	case o.PersistRetries < 0 || o.PersistBackoff < 0:
		return Errorf(RetCConfiguration, "index %s: negative retry policy", o.Name)
	case o.Unique && !o.Eager:
		return Errorf(RetCConfiguration, "index %s: unique indexes must be eager", o.Name)
	case o.Transactional && !o.Eager:
		return Errorf(RetCConfiguration, "index %s: transactional indexes cannot be lazy", o.Name)
	}
	if o.Transactional {
		if _, ok := st.(store.ITransactionalStore); !ok {
			return Errorf(RetCConfiguration, "index %s: transactional index needs a transactional store", o.Name)
		}
	}
	if o.Codec == nil {
		o.Codec = codec.NewMsgpackCodec()
	}
	return nil
}
