package index

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/util"
	"github.com/hashicorp/go-multierror"
)

// Index maps property values of type K to the actors holding them.
type Index[K comparable] interface {
	Target

	Name() string

	// Apply applies one update of ref and returns once it is durable.
	Apply(ctx context.Context, ref actor.Ref, u PropertyUpdate[K]) error

	// ApplyBatch applies the updates of many actors with one persist per bucket.
	// Updates of a single actor are applied in order.
	ApplyBatch(ctx context.Context, updates map[actor.Ref][]PropertyUpdate[K]) error

	// Lookup returns all actors whose property equals key.
	Lookup(ctx context.Context, key K) ([]actor.Ref, error)

	// LookupUnique returns the one actor whose property equals key.
	LookupUnique(ctx context.Context, key K) (actor.Ref, error)

	// LookupStream pushes the actors whose property equals key to obs.
	LookupStream(ctx context.Context, key K, obs Observer) error

	// IsAvailable reports whether the index accepts updates and lookups.
	IsAvailable(ctx context.Context) (bool, error)

	// Dispose clears the index for good.
	Dispose(ctx context.Context) error

	// Deactivate drops all in-memory buckets. They are reloaded on next use.
	Deactivate(ctx context.Context) error

	// Info walks the chains and reports their shape.
	Info(ctx context.Context) (ChainInfo, error)
}

// ChainInfo describes the buckets of an index.
type ChainInfo struct {
	Name          string                 `json:"name"`
	Chains        int                    `json:"chains"`
	Buckets       int                    `json:"buckets"`
	Keys          int                    `json:"keys"`
	Refs          int                    `json:"refs"`
	LongestChain  int                    `json:"longest_chain"`
	KeysPerBucket util.DistributionStats `json:"keys_per_bucket"`
}

func (i ChainInfo) String() string {
	return fmt.Sprintf("%s: %d chains, %d buckets, %d keys, %d refs, longest chain %d, distribution quality %.2f",
		i.Name, i.Chains, i.Buckets, i.Keys, i.Refs, i.LongestChain, i.KeysPerBucket.DistributionQuality)
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// HashIndexSingleBucket keeps all keys in one bucket chain.
type HashIndexSingleBucket[K comparable] struct {
	hashIndex[K]
}

// NewHashIndexSingleBucket creates an index whose keys all live in chain 0.
func NewHashIndexSingleBucket[K comparable](opts Options, st store.IStore, options ...Option) (*HashIndexSingleBucket[K], error) {
	c, err := newChains[K](opts, st, options...)
	if err != nil {
		return nil, err
	}
	idx := &HashIndexSingleBucket[K]{}
	idx.init(c, func(K) uint64 { return 0 }, 1)
	return idx, nil
}

// PartitionedIndex spreads keys over chains by key hash.
type PartitionedIndex[K comparable] struct {
	hashIndex[K]
}

// NewPartitionedIndex creates an index that places key k in chain
// HashString(k) % MaxHashBuckets. With MaxHashBuckets 0 every hash gets its own chain.
func NewPartitionedIndex[K comparable](opts Options, st store.IStore, options ...Option) (*PartitionedIndex[K], error) {
	c, err := newChains[K](opts, st, options...)
	if err != nil {
		return nil, err
	}
	n := opts.MaxHashBuckets
	idx := &PartitionedIndex[K]{}
	idx.init(c, func(k K) uint64 { return util.Partition(k, n) }, n)
	return idx, nil
}

// New creates a partitioned index if opts.MaxHashBuckets is set and a single
// bucket index otherwise.
func New[K comparable](opts Options, st store.IStore, options ...Option) (Index[K], error) {
	if opts.MaxHashBuckets > 0 {
		return NewPartitionedIndex[K](opts, st, options...)
	}
	return NewHashIndexSingleBucket[K](opts, st, options...)
}

// --------------------------------------------------------------------------
// Shared implementation
// --------------------------------------------------------------------------

type hashIndex[K comparable] struct {
	chains *chains[K]
	route  func(K) uint64
	// number of partitions, 0 if unbounded
	partitions int
}

func (h *hashIndex[K]) init(c *chains[K], route func(K) uint64, partitions int) {
	h.chains = c
	h.route = route
	h.partitions = partitions
}

func (h *hashIndex[K]) head(ctx context.Context, key K) (*Bucket[K], error) {
	return h.chains.bucket(ctx, h.route(key), 0)
}

// ----
// Interface Methods (docu see Index)
// ----

func (h *hashIndex[K]) Name() string {
	return h.chains.opts.Name
}

func (h *hashIndex[K]) Options() Options {
	return h.chains.opts
}

func (h *hashIndex[K]) Apply(ctx context.Context, ref actor.Ref, u PropertyUpdate[K]) error {
	unique := h.chains.opts.Unique
	switch u.Op {
	case OpNone:
		return nil
	case OpUpdate:
		from, to := h.route(u.Before), h.route(u.After)
		if from != to {
			// the halves live in different chains, insert first so a failed
			// insert leaves the old value in place
			ins := PropertyUpdate[K]{Op: OpInsert, After: u.After, Mode: u.Mode}
			if err := h.applyTo(ctx, to, ref, ins, unique); err != nil {
				return err
			}
			del := PropertyUpdate[K]{Op: OpDelete, Before: u.Before, Mode: u.Mode}
			return h.applyTo(ctx, from, ref, del, unique)
		}
		return h.applyTo(ctx, from, ref, u, unique)
	case OpDelete:
		return h.applyTo(ctx, h.route(u.Before), ref, u, unique)
	default:
		return h.applyTo(ctx, h.route(u.After), ref, u, unique)
	}
}

func (h *hashIndex[K]) applyTo(ctx context.Context, partition uint64, ref actor.Ref, u PropertyUpdate[K], unique bool) error {
	b, err := h.chains.bucket(ctx, partition, 0)
	if err != nil {
		return err
	}
	_, err = b.DirectApplyIndexUpdate(ctx, ref, u, unique)
	return err
}

func (h *hashIndex[K]) ApplyBatch(ctx context.Context, updates map[actor.Ref][]PropertyUpdate[K]) error {
	perPartition := make(map[uint64]map[actor.Ref][]PropertyUpdate[K])
	add := func(p uint64, ref actor.Ref, u PropertyUpdate[K]) {
		m, ok := perPartition[p]
		if !ok {
			m = make(map[actor.Ref][]PropertyUpdate[K])
			perPartition[p] = m
		}
		m[ref] = append(m[ref], u)
	}
	for ref, list := range updates {
		for _, u := range list {
			switch u.Op {
			case OpNone:
			case OpInsert:
				add(h.route(u.After), ref, u)
			case OpDelete:
				add(h.route(u.Before), ref, u)
			case OpUpdate:
				from, to := h.route(u.Before), h.route(u.After)
				if from == to {
					add(from, ref, u)
					continue
				}
				add(to, ref, PropertyUpdate[K]{Op: OpInsert, After: u.After, Mode: u.Mode})
				add(from, ref, PropertyUpdate[K]{Op: OpDelete, Before: u.Before, Mode: u.Mode})
			}
		}
	}

	unique := h.chains.opts.Unique
	if h.chains.opts.Transactional {
		// a failed chain must stop the transaction before the next one is touched
		for p, batch := range perPartition {
			b, err := h.chains.bucket(ctx, p, 0)
			if err != nil {
				return err
			}
			if _, err := b.DirectApplyIndexUpdateBatch(ctx, batch, unique); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for p, batch := range perPartition {
		wg.Add(1)
		go func(p uint64, batch map[actor.Ref][]PropertyUpdate[K]) {
			defer wg.Done()
			b, err := h.chains.bucket(ctx, p, 0)
			if err == nil {
				_, err = b.DirectApplyIndexUpdateBatch(ctx, batch, unique)
			}
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}(p, batch)
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

func (h *hashIndex[K]) ApplyJobs(ctx context.Context, jobs []Job) error {
	updates := make(map[actor.Ref][]PropertyUpdate[K])
	for _, j := range jobs {
		c, ok := j.(Change[K])
		if !ok || c.Index.Name() != h.Name() {
			return Errorf(RetCInvalidOperation, "index %s: foreign job %v", h.Name(), j)
		}
		if h.chains.opts.Transactional {
			if err := h.Apply(ctx, c.Ref, c.Update); err != nil {
				return err
			}
			continue
		}
		updates[c.Ref] = append(updates[c.Ref], c.Update)
	}
	if len(updates) == 0 {
		return nil
	}
	return h.ApplyBatch(ctx, updates)
}

func (h *hashIndex[K]) Lookup(ctx context.Context, key K) ([]actor.Ref, error) {
	h.chains.metrics.lookups.Inc()
	b, err := h.head(ctx, key)
	if err != nil {
		return nil, err
	}
	return b.Lookup(ctx, key)
}

func (h *hashIndex[K]) LookupUnique(ctx context.Context, key K) (actor.Ref, error) {
	h.chains.metrics.lookups.Inc()
	b, err := h.head(ctx, key)
	if err != nil {
		return actor.Ref{}, err
	}
	return b.LookupUnique(ctx, key)
}

func (h *hashIndex[K]) LookupStream(ctx context.Context, key K, obs Observer) error {
	h.chains.metrics.lookups.Inc()
	b, err := h.head(ctx, key)
	if err != nil {
		return err
	}
	return b.LookupStream(ctx, key, obs)
}

func (h *hashIndex[K]) IsAvailable(ctx context.Context) (bool, error) {
	heads, err := h.knownHeads(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range heads {
		if !b.IsAvailable() {
			return false, nil
		}
	}
	return true, nil
}

func (h *hashIndex[K]) Dispose(ctx context.Context) error {
	heads, err := h.knownHeads(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, b := range heads {
		if err := b.Dispose(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (h *hashIndex[K]) Deactivate(ctx context.Context) error {
	return h.chains.deactivateAll(ctx)
}

func (h *hashIndex[K]) Info(ctx context.Context) (ChainInfo, error) {
	info := ChainInfo{Name: h.Name()}
	heads, err := h.knownHeads(ctx)
	if err != nil {
		return info, err
	}

	var sizes []float64
	for _, head := range heads {
		length := 0
		for b := head; ; {
			b.mu.Lock()
			keys := len(b.state.Map)
			for _, e := range b.state.Map {
				info.Refs += len(e.Values)
			}
			hasNext := b.state.NextBucket != ""
			b.mu.Unlock()

			info.Buckets++
			info.Keys += keys
			sizes = append(sizes, float64(keys))
			length++
			if !hasNext {
				break
			}
			if b, err = b.next(ctx); err != nil {
				return info, err
			}
		}
		info.Chains++
		info.LongestChain = max(info.LongestChain, length)
	}
	info.KeysPerBucket = util.NewDistributionStats(sizes)
	return info, nil
}

// knownHeads returns the first bucket of every chain. Bounded indexes activate all
// their chains, unbounded ones only know the chains activated so far.
func (h *hashIndex[K]) knownHeads(ctx context.Context) ([]*Bucket[K], error) {
	if h.partitions <= 0 {
		heads := h.chains.heads()
		slices.SortFunc(heads, func(a, b *Bucket[K]) int {
			return cmp.Compare(a.partition, b.partition)
		})
		return heads, nil
	}
	heads := make([]*Bucket[K], 0, h.partitions)
	for p := 0; p < h.partitions; p++ {
		b, err := h.chains.bucket(ctx, uint64(p), 0)
		if err != nil {
			return nil, err
		}
		heads = append(heads, b)
	}
	return heads, nil
}

var (
	_ Index[string] = (*HashIndexSingleBucket[string])(nil)
	_ Index[string] = (*PartitionedIndex[string])(nil)
)
