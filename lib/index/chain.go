package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/lockmgr"
	"github.com/ValentinKolb/dIdx/lib/store"
)

// Option configures the runtime side of an index (as opposed to Options, which
// describe the index itself).
type Option func(*settings)

type settings struct {
	leases   lockmgr.ILockManager
	leaseTTL time.Duration
}

// WithLeases makes every activated bucket hold a lease in the store, so two
// processes sharing a store never activate the same bucket.
func WithLeases(mgr lockmgr.ILockManager, ttl time.Duration) Option {
	return func(s *settings) {
		s.leases = mgr
		s.leaseTTL = ttl
	}
}

// chains owns all buckets of one index. A chain is identified by its partition,
// a bucket by its position in the chain. Buckets are activated lazily.
type chains[K comparable] struct {
	opts    Options
	store   store.IStore
	tstore  store.ITransactionalStore
	prefix  string
	dir     *actor.Directory[*Bucket[K]]
	metrics *indexMetrics
}

func newChains[K comparable](opts Options, st store.IStore, options ...Option) (*chains[K], error) {
	if err := opts.validate(st); err != nil {
		return nil, err
	}

	var set settings
	for _, o := range options {
		o(&set)
	}

	c := &chains[K]{
		opts:    opts,
		store:   st,
		prefix:  "index/" + opts.Name + "/",
		metrics: newIndexMetrics(opts.Name),
	}
	if opts.Transactional {
		c.tstore = st.(store.ITransactionalStore)
	}

	var dirOpts []actor.DirectoryOption[*Bucket[K]]
	if set.leases != nil {
		dirOpts = append(dirOpts, actor.WithLease[*Bucket[K]](set.leases, set.leaseTTL))
	}
	c.dir = actor.NewDirectory(c.activate, dirOpts...)
	return c, nil
}

// keyFor returns the storage key of a bucket, e.g. "index/Location/3/0".
func (c *chains[K]) keyFor(partition uint64, pos int) string {
	return fmt.Sprintf("%s%d/%d", c.prefix, partition, pos)
}

func (c *chains[K]) parseKey(key string) (partition uint64, pos int, err error) {
	rest, ok := strings.CutPrefix(key, c.prefix)
	if !ok {
		return 0, 0, fmt.Errorf("bucket key %q does not belong to index %s", key, c.opts.Name)
	}
	if _, err := fmt.Sscanf(rest, "%d/%d", &partition, &pos); err != nil {
		return 0, 0, fmt.Errorf("invalid bucket key %q: %w", key, err)
	}
	return partition, pos, nil
}

// bucket returns the activated bucket at the given chain position.
func (c *chains[K]) bucket(ctx context.Context, partition uint64, pos int) (*Bucket[K], error) {
	return c.dir.GetOrActivate(ctx, c.keyFor(partition, pos))
}

// activate loads a bucket's state. A bucket that was never persisted starts empty and available.
func (c *chains[K]) activate(ctx context.Context, key string) (*Bucket[K], error) {
	partition, pos, err := c.parseKey(key)
	if err != nil {
		return nil, err
	}

	b := newBucket(c, key, partition, pos)

	rec, found, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, NewError(RetCTransientStorage, "activating bucket "+key, err)
	}
	if found {
		state, err := decodeBucketState[K](c.opts.Codec, rec.Value)
		if err != nil {
			return nil, NewError(RetCTransientStorage, "decoding bucket "+key, err)
		}
		if state.Status == StatusUnderConstruction {
			state.Status = StatusAvailable
		}
		b.state = state
		b.etag = rec.ETag
	}

	log.Debugf("activated bucket %s (%d keys, next=%q)", key, len(b.state.Map), b.state.NextBucket)
	return b, nil
}

// deactivateAll drops every activation, the next access reloads from the store.
func (c *chains[K]) deactivateAll(ctx context.Context) error {
	return c.dir.DeactivateAll(ctx)
}

// heads returns the activated first buckets of all chains.
func (c *chains[K]) heads() []*Bucket[K] {
	var heads []*Bucket[K]
	c.dir.Range(func(_ string, b *Bucket[K]) bool {
		if b.pos == 0 {
			heads = append(heads, b)
		}
		return true
	})
	return heads
}
