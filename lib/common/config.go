package common

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ValentinKolb/dIdx/lib/codec"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/lni/dragonboat/v4/config"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageRaft   = "raft"
)

var StorageBackends = []string{StorageMemory, StorageBolt, StorageRaft}

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
	// ShardID is the raft shard holding all records
	ShardID uint64 = 1
)

// Config holds everything the commands need to set up storage and indexes.
type Config struct {
	// Storage is one of StorageBackends
	Storage string
	// DataDir holds the bolt file or the raft logs and snapshots
	DataDir string
	// Codec is the name of the state codec
	Codec string

	// index defaults
	MaxHashBuckets      int
	MaxEntriesPerBucket int
	PersistRetries      int
	PersistBackoff      time.Duration
	LazyBatchSize       int

	// single node raft
	RaftReplicaID      uint64
	RaftAddress        string
	RaftRTTMillisecond uint64

	TimeoutSecond int64
	LogLevel      string
}

// DefaultConfig returns an in-memory configuration with the standard retry policy.
func DefaultConfig() Config {
	return Config{
		Storage:            StorageMemory,
		DataDir:            "data",
		Codec:              "msgpack",
		PersistRetries:     3,
		PersistBackoff:     100 * time.Millisecond,
		LazyBatchSize:      128,
		RaftReplicaID:      1,
		RaftAddress:        "localhost:63001",
		RaftRTTMillisecond: 100,
		TimeoutSecond:      5,
		LogLevel:           "info",
	}
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if !slices.Contains(StorageBackends, c.Storage) {
		return fmt.Errorf("invalid storage %q (expected one of %s)", c.Storage, strings.Join(StorageBackends, ", "))
	}
	if !slices.Contains(codec.Names, c.Codec) {
		return fmt.Errorf("invalid codec %q (expected one of %s)", c.Codec, strings.Join(codec.Names, ", "))
	}
	if c.Storage != StorageMemory && c.DataDir == "" {
		return fmt.Errorf("storage %s needs a data directory", c.Storage)
	}
	if c.Storage == StorageRaft && (c.RaftReplicaID == 0 || c.RaftAddress == "") {
		return fmt.Errorf("raft storage needs a replica id and an address")
	}
	if c.MaxHashBuckets < 0 || c.MaxEntriesPerBucket < 0 || c.PersistRetries < 0 || c.PersistBackoff < 0 {
		return fmt.Errorf("index limits must not be negative")
	}
	if c.TimeoutSecond <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Timeout returns TimeoutSecond as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// IndexOptions returns eager, non-unique index options with the configured limits.
func (c *Config) IndexOptions(name string) (index.Options, error) {
	cd, err := codec.New(c.Codec)
	if err != nil {
		return index.Options{}, err
	}
	opts := index.DefaultOptions(name)
	opts.Codec = cd
	opts.MaxHashBuckets = c.MaxHashBuckets
	opts.MaxEntriesPerBucket = c.MaxEntriesPerBucket
	opts.PersistRetries = c.PersistRetries
	opts.PersistBackoff = c.PersistBackoff
	return opts, nil
}

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat
// --------------------------------------------------------------------------

// ToDragonboatConfig converts the Config to a Dragonboat replica config
func (c *Config) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.RaftReplicaID,
		ShardID:            ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    1000,
		CompactionOverhead: 500,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *Config) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RaftRTTMillisecond,
		RaftAddress:    c.RaftAddress,
	}
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Storage")
	addField("Backend", c.Storage)
	if c.Storage != StorageMemory {
		addField("Data Directory", c.DataDir)
	}
	addField("Codec", c.Codec)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Indexes")
	addField("Hash Buckets", fmt.Sprintf("%d", c.MaxHashBuckets))
	addField("Entries Per Bucket", fmt.Sprintf("%d", c.MaxEntriesPerBucket))
	addField("Persist Retries", fmt.Sprintf("%d", c.PersistRetries))
	addField("Persist Backoff", c.PersistBackoff.String())
	addField("Lazy Batch Size", fmt.Sprintf("%d", c.LazyBatchSize))

	if c.Storage == StorageRaft {
		addSection("RAFT Parameters")
		addField("Replica ID", fmt.Sprintf("%d", c.RaftReplicaID))
		addField("RAFT Address", c.RaftAddress)
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RaftRTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RaftRTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RaftRTTMillisecond*heartbeatRTTFactor))
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	return sb.String()
}
