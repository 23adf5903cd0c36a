package index

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/txn"
)

// Observer receives the results of a streaming lookup.
type Observer interface {
	// OnNextBatch is called with each non-empty batch of matching actors.
	OnNextBatch(ctx context.Context, refs []actor.Ref) error
	// OnCompleted is called once after the last batch.
	OnCompleted(ctx context.Context) error
}

// probe is what one bucket knows about a key.
type probe struct {
	found     bool
	tentative bool
	refs      []actor.Ref
	hasNext   bool
}

// read looks key up in this bucket only. Transactional buckets wait until no
// other transaction holds them, so uncommitted changes are never visible.
func (b *Bucket[K]) read(ctx context.Context, key K) (probe, error) {
	var p probe
	var err error
	fn := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state.Status != StatusAvailable {
			err = b.notReady()
			return
		}
		p.hasNext = b.state.NextBucket != ""
		if e, ok := b.state.Map[key]; ok {
			p.found = true
			p.tentative = e.Tentative
			p.refs = e.refs()
		}
	}

	if !b.chains.opts.Transactional {
		fn()
		return p, err
	}
	if lerr := b.txLock.Do(ctx, txn.FromContext(ctx), fn); lerr != nil {
		return probe{}, NewError(RetCNotReady, "waiting for transaction lock of "+b.key, lerr)
	}
	return p, err
}

// find walks the chain from b until the bucket holding key or the tail.
func (b *Bucket[K]) find(ctx context.Context, key K) (probe, error) {
	for cur := b; ; {
		p, err := cur.read(ctx, key)
		if err != nil || p.found || !p.hasNext {
			return p, err
		}
		if cur, err = cur.next(ctx); err != nil {
			return probe{}, err
		}
	}
}

// Lookup returns all actors indexed under key. Tentative entries count as empty.
func (b *Bucket[K]) Lookup(ctx context.Context, key K) ([]actor.Ref, error) {
	p, err := b.find(ctx, key)
	if err != nil || p.tentative {
		return nil, err
	}
	return p.refs, nil
}

// LookupUnique returns the single actor indexed under key.
func (b *Bucket[K]) LookupUnique(ctx context.Context, key K) (actor.Ref, error) {
	p, err := b.find(ctx, key)
	switch {
	case err != nil:
		return actor.Ref{}, err
	case !p.found:
		return actor.Ref{}, Errorf(RetCKeyNotFound, "index %s: key %v does not exist", b.chains.opts.Name, key)
	case p.tentative || len(p.refs) != 1:
		err := Errorf(RetCConsistencyAnomaly,
			"index %s: unique key %v holds %d actors (tentative=%t)", b.chains.opts.Name, key, len(p.refs), p.tentative)
		log.Errorf("%v", err)
		return actor.Ref{}, err
	}
	return p.refs[0], nil
}

// LookupStream pushes the matches for key to obs, bucket by bucket, and signals
// completion once the holding bucket or the end of the chain is reached.
func (b *Bucket[K]) LookupStream(ctx context.Context, key K, obs Observer) error {
	for cur := b; ; {
		p, err := cur.read(ctx, key)
		if err != nil {
			return err
		}
		if p.found {
			if !p.tentative && len(p.refs) > 0 {
				if err := obs.OnNextBatch(ctx, p.refs); err != nil {
					return err
				}
			}
			return obs.OnCompleted(ctx)
		}
		if !p.hasNext {
			return obs.OnCompleted(ctx)
		}
		if cur, err = cur.next(ctx); err != nil {
			return err
		}
	}
}

// --------------------------------------------------------------------------
// Observers
// --------------------------------------------------------------------------

// CollectObserver gathers all batches in memory.
type CollectObserver struct {
	mu        sync.Mutex
	refs      []actor.Ref
	batches   int
	completed bool
}

func (o *CollectObserver) OnNextBatch(_ context.Context, refs []actor.Ref) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs = append(o.refs, refs...)
	o.batches++
	return nil
}

func (o *CollectObserver) OnCompleted(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = true
	return nil
}

// Result returns the collected actors, the number of batches and whether the stream completed.
func (o *CollectObserver) Result() ([]actor.Ref, int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]actor.Ref(nil), o.refs...), o.batches, o.completed
}

// ChanObserver forwards batches to a channel and closes it on completion.
type ChanObserver struct {
	C chan []actor.Ref
}

func NewChanObserver(buffer int) *ChanObserver {
	return &ChanObserver{C: make(chan []actor.Ref, buffer)}
}

func (o *ChanObserver) OnNextBatch(ctx context.Context, refs []actor.Ref) error {
	select {
	case o.C <- refs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *ChanObserver) OnCompleted(context.Context) error {
	close(o.C)
	return nil
}
