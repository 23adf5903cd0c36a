package common

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/store/bstore"
	"github.com/ValentinKolb/dIdx/lib/store/dstore"
	"github.com/ValentinKolb/dIdx/lib/store/lstore"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("cli")

// Storage is an opened store together with what is needed to shut it down.
type Storage struct {
	Store store.ITransactionalStore
	close func() error
}

// Close releases the files or the raft node behind the store.
func (s *Storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// BoltFile is the database file used by the bolt backend.
func BoltFile(dataDir string) string {
	return filepath.Join(dataDir, "didx.db")
}

// OpenStorage opens the configured backend. For raft it starts a single node
// shard and waits until it has elected itself leader.
func OpenStorage(ctx context.Context, c Config) (*Storage, error) {
	switch c.Storage {
	case StorageMemory:
		return &Storage{Store: lstore.NewLocalStore()}, nil

	case StorageBolt:
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return nil, err
		}
		st, err := bstore.Open(BoltFile(c.DataDir))
		if err != nil {
			return nil, err
		}
		log.Infof("opened bolt store %s", BoltFile(c.DataDir))
		return &Storage{Store: st, close: st.Close}, nil

	case StorageRaft:
		nh, err := dragonboat.NewNodeHost(c.ToNodeHostConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create node host: %w", err)
		}
		members := map[uint64]string{c.RaftReplicaID: c.RaftAddress}
		if err := nh.StartConcurrentReplica(members, false, dstore.CreateStateMachineFactory(), c.ToDragonboatConfig()); err != nil {
			nh.Close()
			return nil, fmt.Errorf("failed to start shard %d: %w", ShardID, err)
		}
		if err := waitForLeader(ctx, nh, ShardID); err != nil {
			nh.Close()
			return nil, err
		}
		log.Infof("raft shard %d is ready", ShardID)
		return &Storage{
			Store: dstore.NewDistributedStore(nh, ShardID, c.Timeout()),
			close: func() error { nh.Close(); return nil },
		}, nil

	default:
		return nil, fmt.Errorf("invalid storage %q", c.Storage)
	}
}

func waitForLeader(ctx context.Context, nh *dragonboat.NodeHost, shardID uint64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, _, ok, err := nh.GetLeaderID(shardID); err == nil && ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for raft leader: %w", ctx.Err())
		}
	}
}
