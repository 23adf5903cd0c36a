package dstore

import (
	"encoding/gob"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/store/dstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// versioned is a record together with the raft index that last wrote it.
type versioned struct {
	Value   []byte
	Version uint64
}

func (v versioned) etag() string {
	return strconv.FormatUint(v.Version, 10)
}

// RecordStateMachine is a Dragonboat state machine holding versioned records.
// Lookup may run concurrently with Update, so records live in a concurrent map.
type RecordStateMachine struct {
	replicaID uint64
	shardID   uint64
	records   *xsync.MapOf[string, versioned]
}

// CreateStateMachineFactory returns the factory dragonboat uses to create a state machine per replica
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &RecordStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			records:   xsync.NewMapOf[string, versioned](),
		}
	}
}

// Lookup handles read-only queries.
func (fsm *RecordStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	switch q.Type {
	case internal.QueryTLoad:
		rec, ok := fsm.records.Load(q.Key)
		if !ok {
			return internal.QueryResult{}, nil
		}
		return internal.QueryResult{
			Ok:    true,
			Value: append([]byte(nil), rec.Value...),
			ETag:  rec.etag(),
		}, nil
	case internal.QueryTGetInfo:
		return store.Info{Backend: "raft", Keys: uint64(fsm.records.Size()), Transactional: true}, nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// check verifies all expected etags of a command against the current records.
func (fsm *RecordStateMachine) check(cmd internal.Command) error {
	for _, w := range cmd.Writes {
		current := ""
		if rec, ok := fsm.records.Load(w.Key); ok {
			current = rec.etag()
		}
		if current != w.ETag {
			return store.Conflictf(w.Key, w.ETag, current)
		}
	}
	return nil
}

// Update applies commands. All writes of a command are applied or none are,
// on success the result data holds the new etags separated by newlines.
func (fsm *RecordStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{
				Value: uint64(store.RetCInternalError),
				Data:  []byte(fmt.Sprintf("failed to deserialize command: %v", err)),
			}
			continue
		}

		switch cmd.Type {
		case internal.CommandTSave, internal.CommandTDelete, internal.CommandTCommit:
		default:
			entries[idx].Result = sm.Result{
				Value: uint64(store.RetCInvalidOperation),
				Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
			}
			continue
		}

		if err := fsm.check(cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCConflict), Data: []byte(err.Error())}
			continue
		}

		etags := make([]string, len(cmd.Writes))
		for i, w := range cmd.Writes {
			if w.Delete {
				fsm.records.Delete(w.Key)
				continue
			}
			rec := versioned{Value: w.Value, Version: e.Index}
			fsm.records.Store(w.Key, rec)
			etags[i] = rec.etag()
		}
		entries[idx].Result = sm.Result{
			Value: uint64(store.RetCSuccess),
			Data:  []byte(strings.Join(etags, "\n")),
		}
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot captures a point-in-time copy, SaveSnapshot may run concurrently with Update.
func (fsm *RecordStateMachine) PrepareSnapshot() (interface{}, error) {
	snapshot := make(map[string]versioned, fsm.records.Size())
	fsm.records.Range(func(key string, value versioned) bool {
		snapshot[key] = value
		return true
	})
	return snapshot, nil
}

// SaveSnapshot writes the prepared copy as gob.
func (fsm *RecordStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	snapshot, ok := ctx.(map[string]versioned)
	if !ok {
		return fmt.Errorf("invalid snapshot context type: %T", ctx)
	}
	return gob.NewEncoder(writer).Encode(snapshot)
}

// RecoverFromSnapshot replaces all records with the snapshot content.
func (fsm *RecordStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	var snapshot map[string]versioned
	if err := gob.NewDecoder(r).Decode(&snapshot); err != nil {
		return err
	}
	fsm.records.Clear()
	for key, value := range snapshot {
		fsm.records.Store(key, value)
	}
	return nil
}

// Close performs any necessary cleanup.
func (fsm *RecordStateMachine) Close() error {
	return nil
}
