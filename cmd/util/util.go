package util

import (
	"context"
	"strings"
	"time"

	"github.com/ValentinKolb/dIdx/lib/common"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/ValentinKolb/dIdx/lib/lockmgr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupConfigFlags adds the storage, index and logging flags to a command
func SetupConfigFlags(cmd *cobra.Command) {
	def := common.DefaultConfig()

	key := "storage"
	cmd.PersistentFlags().String(key, def.Storage, WrapString("Storage backend for actor state and index buckets (memory, bolt, raft)"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, def.DataDir, WrapString("Directory for the bolt file or the raft logs"))

	key = "codec"
	cmd.PersistentFlags().String(key, def.Codec, WrapString("Codec for persisted state (json, gob, msgpack)"))

	key = "max-hash-buckets"
	cmd.PersistentFlags().Int(key, def.MaxHashBuckets, WrapString("Number of key-hash partitions per index, 0 keeps a single chain"))

	key = "max-entries-per-bucket"
	cmd.PersistentFlags().Int(key, def.MaxEntriesPerBucket, WrapString("Keys per bucket before a new bucket is chained, 0 means unbounded"))

	key = "persist-retries"
	cmd.PersistentFlags().Int(key, def.PersistRetries, WrapString("How many times a failed bucket write is retried"))

	key = "persist-backoff"
	cmd.PersistentFlags().Duration(key, def.PersistBackoff, WrapString("Pause between bucket write retries"))

	key = "lazy-batch-size"
	cmd.PersistentFlags().Int(key, def.LazyBatchSize, WrapString("Maximum number of actor updates a lazy queue applies at once"))

	key = "raft-replica-id"
	cmd.PersistentFlags().Uint64(key, def.RaftReplicaID, WrapString("Replica ID of this node (raft storage only)"))

	key = "raft-address"
	cmd.PersistentFlags().String(key, def.RaftAddress, WrapString("Raft address of this node (raft storage only)"))

	key = "raft-rtt"
	cmd.PersistentFlags().Uint64(key, def.RaftRTTMillisecond, WrapString("Round trip time between raft nodes in milliseconds"))

	key = "timeout"
	cmd.PersistentFlags().Int64(key, def.TimeoutSecond, WrapString("Timeout in seconds for storage operations"))

	key = "log-level"
	cmd.PersistentFlags().String(key, def.LogLevel, WrapString("Log level (debug, info, warn, error)"))

	key = "leases"
	cmd.PersistentFlags().Duration(key, 0, WrapString("If set, activated buckets and actors hold a lease of this length in the store"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("didx")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetConfig reads the configuration from viper and validates it
func GetConfig() (common.Config, error) {
	conf := common.Config{
		Storage:             viper.GetString("storage"),
		DataDir:             viper.GetString("data-dir"),
		Codec:               viper.GetString("codec"),
		MaxHashBuckets:      viper.GetInt("max-hash-buckets"),
		MaxEntriesPerBucket: viper.GetInt("max-entries-per-bucket"),
		PersistRetries:      viper.GetInt("persist-retries"),
		PersistBackoff:      viper.GetDuration("persist-backoff"),
		LazyBatchSize:       viper.GetInt("lazy-batch-size"),
		RaftReplicaID:       viper.GetUint64("raft-replica-id"),
		RaftAddress:         viper.GetString("raft-address"),
		RaftRTTMillisecond:  viper.GetUint64("raft-rtt"),
		TimeoutSecond:       viper.GetInt64("timeout"),
		LogLevel:            viper.GetString("log-level"),
	}
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, common.InitLoggers(conf)
}

// IndexRuntimeOptions returns the lease option when --leases is set.
func IndexRuntimeOptions(st *common.Storage) []index.Option {
	mgr, ttl := Leases(st)
	if mgr == nil {
		return nil
	}
	return []index.Option{index.WithLeases(mgr, ttl)}
}

// Leases returns the lock manager and ttl used for actor activation, or nil when --leases is unset.
func Leases(st *common.Storage) (lockmgr.ILockManager, time.Duration) {
	ttl := viper.GetDuration("leases")
	if ttl <= 0 {
		return nil, 0
	}
	return lockmgr.NewLockManager(st.Store), ttl
}

// Open reads the configuration and opens the configured storage
func Open(ctx context.Context) (common.Config, *common.Storage, error) {
	conf, err := GetConfig()
	if err != nil {
		return conf, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*conf.Timeout())
	defer cancel()
	st, err := common.OpenStorage(ctx, conf)
	return conf, st, err
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
