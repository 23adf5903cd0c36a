package dstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/store/dstore/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("store")
)

// storeImpl talks to the RecordStateMachine through a Dragonboat NodeHost.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewDistributedStore creates a store whose writes go through raft consensus.
// Commit is a single raft entry, so the store is transactional as well.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) store.ITransactionalStore {
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write proposes a command and returns the etags reported by the state machine.
func (s *storeImpl) write(ctx context.Context, cmd internal.Command) ([]string, error) {
	for i := 0; i < retries; i++ {
		proposeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(proposeCtx, s.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			select {
			case <-time.After(s.timeout / 10):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, store.NewError(store.RetCUnavailable, err.Error())
		}
		if res.Value != uint64(store.RetCSuccess) {
			return nil, store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return strings.Split(string(res.Data), "\n"), nil
	}
	return nil, store.NewError(store.RetCUnavailable, "timeout")
}

// read is a generic helper function that queries the state machine
// and converts the response into the expected type R.
// Linearizable SyncRead is used unless stale is set.
func read[R any](ctx context.Context, r *storeImpl, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		var res interface{}
		var err error

		if stale {
			res, err = r.nh.StaleRead(r.shardID, q)
		} else {
			readCtx, cancel := context.WithTimeout(ctx, r.timeout)
			res, err = r.nh.SyncRead(readCtx, r.shardID, q)
			cancel()
		}

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			select {
			case <-time.After(r.timeout / 10):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			continue
		}

		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, store.NewError(store.RetCUnavailable, err.Error())
		}

		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCUnavailable, "timeout")
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Load(ctx context.Context, key string) (store.Record, bool, error) {
	res, err := read[internal.QueryResult](ctx, s, internal.Query{Type: internal.QueryTLoad, Key: key}, false)
	if err != nil || !res.Ok {
		return store.Record{}, false, err
	}
	return store.Record{Value: res.Value, ETag: res.ETag}, true, nil
}

func (s *storeImpl) Save(ctx context.Context, key string, value []byte, etag string) (string, error) {
	etags, err := s.write(ctx, internal.Command{
		Type:   internal.CommandTSave,
		Writes: []internal.Write{{Key: key, ETag: etag, Value: value}},
	})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *storeImpl) Delete(ctx context.Context, key string, etag string) error {
	_, err := s.write(ctx, internal.Command{
		Type:   internal.CommandTDelete,
		Writes: []internal.Write{{Delete: true, Key: key, ETag: etag}},
	})
	return err
}

func (s *storeImpl) Commit(ctx context.Context, writes []store.Write) ([]string, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	cmd := internal.Command{Type: internal.CommandTCommit, Writes: make([]internal.Write, len(writes))}
	for i, w := range writes {
		cmd.Writes[i] = internal.Write{Delete: w.Delete, Key: w.Key, ETag: w.ETag, Value: w.Value}
	}
	etags, err := s.write(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if len(etags) != len(writes) {
		return nil, store.NewError(store.RetCInternalError,
			fmt.Sprintf("state machine returned %d etags for %d writes", len(etags), len(writes)))
	}
	return etags, nil
}

func (s *storeImpl) GetInfo() store.Info {
	info, err := read[store.Info](context.Background(), s, internal.Query{Type: internal.QueryTGetInfo}, true)
	if err != nil {
		log.Warningf("GetInfo failed: %v", err)
		return store.Info{Backend: "raft"}
	}
	return info
}
