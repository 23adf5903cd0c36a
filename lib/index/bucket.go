package index

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/txn"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("index")

// Bucket is one link of a hash bucket chain.
//
// Entry points serialize on mu, which is never held across storage I/O or calls
// to other buckets. Persistence is batched by a group commit: every caller
// registers a write request, and whoever holds the write lock persists the
// union of all changes registered so far.
type Bucket[K comparable] struct {
	key       string
	partition uint64
	pos       int
	chains    *chains[K]

	mu    sync.Mutex
	state *BucketState[K]
	etag  string

	// group commit
	writeLock   chan struct{}
	writeReqGen uint64
	pending     map[uint64]struct{}
	inflight    map[uint64]struct{} // captured by the current lock holder
	failed      map[uint64]error
	// unsure holds the data of a save whose outcome is unknown. Guarded by writeLock.
	unsure []byte

	// transactional mode
	txLock   txn.ResourceLock
	txOwner  *txn.Tx
	snapshot *BucketState[K]
	snapETag string
}

func newBucket[K comparable](c *chains[K], key string, partition uint64, pos int) *Bucket[K] {
	return &Bucket[K]{
		key:       key,
		partition: partition,
		pos:       pos,
		chains:    c,
		state:     newBucketState[K](),
		writeLock: make(chan struct{}, 1),
		pending:   make(map[uint64]struct{}),
		inflight:  make(map[uint64]struct{}),
		failed:    make(map[uint64]error),
	}
}

// Key returns the storage key of the bucket.
func (b *Bucket[K]) Key() string {
	return b.key
}

// IsAvailable reports whether the bucket accepts reads and writes.
func (b *Bucket[K]) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Status == StatusAvailable
}

func (b *Bucket[K]) notReady() error {
	return Errorf(RetCNotReady, "bucket %s is %s", b.key, b.state.Status)
}

// next returns the overflow bucket, activating it if needed.
func (b *Bucket[K]) next(ctx context.Context) (*Bucket[K], error) {
	return b.chains.bucket(ctx, b.partition, b.pos+1)
}

// applyLocal applies what it can of u to this bucket and returns the residual
// and the deferred delete half (see BucketState.apply). NextBucket is set when
// the residual must travel on.
func (b *Bucket[K]) applyLocal(ref actor.Ref, u PropertyUpdate[K], unique bool) (residual, deferred PropertyUpdate[K], err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Status != StatusAvailable {
		return residual, deferred, b.notReady()
	}
	residual, deferred, err = b.state.apply(ref, u, unique, b.chains.opts.MaxEntriesPerBucket)
	if err != nil {
		return residual, deferred, err
	}
	if residual.Op != OpNone && b.state.NextBucket == "" {
		b.state.NextBucket = b.chains.keyFor(b.partition, b.pos+1)
	}
	return residual, deferred, nil
}

// DirectApplyIndexUpdate applies u for ref to this bucket and, for whatever does
// not belong here, to the rest of the chain. It returns once the change is
// durable. applied is false if any part could not be applied.
func (b *Bucket[K]) DirectApplyIndexUpdate(ctx context.Context, ref actor.Ref, u PropertyUpdate[K], unique bool) (bool, error) {
	if u.Op == OpNone {
		return true, nil
	}
	if b.chains.opts.Transactional {
		err := b.applyTransactional(ctx, ref, u, unique)
		return err == nil, err
	}

	residual, deferred, err := b.applyLocal(ref, u, unique)
	if err != nil {
		return false, err
	}
	// persisting first also makes a new NextBucket durable before the chain grows
	if err := b.persist(ctx); err != nil {
		return false, err
	}
	if residual.Op == OpNone {
		return true, nil
	}

	next, err := b.next(ctx)
	if err != nil {
		return false, err
	}
	applied, err := next.DirectApplyIndexUpdate(ctx, ref, residual, unique)
	if err != nil || deferred.Op == OpNone {
		return applied, err
	}
	// the new value is durable further down, now the old one can go
	return b.DirectApplyIndexUpdate(ctx, ref, deferred, unique)
}

// DirectApplyIndexUpdateBatch applies many updates and persists once. The updates
// of one actor are applied in order. Failures of single updates do not stop the
// others, they are returned together. Once an update of an actor has to wait for
// its insert half further down the chain, the rest of that actor's updates are
// applied one by one after the batch.
func (b *Bucket[K]) DirectApplyIndexUpdateBatch(ctx context.Context, updates map[actor.Ref][]PropertyUpdate[K], unique bool) (bool, error) {
	if len(updates) == 0 {
		return true, nil
	}
	if b.chains.opts.Transactional {
		for ref, list := range updates {
			for _, u := range list {
				if err := b.applyTransactional(ctx, ref, u, unique); err != nil {
					return false, err
				}
			}
		}
		return true, nil
	}

	var errs *multierror.Error
	residuals := make(map[actor.Ref][]PropertyUpdate[K])
	sequential := make(map[actor.Ref][]PropertyUpdate[K])

	b.mu.Lock()
	if b.state.Status != StatusAvailable {
		err := b.notReady()
		b.mu.Unlock()
		return false, err
	}
	for ref, list := range updates {
		for i, u := range list {
			if u.Op == OpNone {
				continue
			}
			residual, deferred, err := b.state.apply(ref, u, unique, b.chains.opts.MaxEntriesPerBucket)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", ref, u, err))
				continue
			}
			if deferred.Op != OpNone {
				// nothing was changed for u, it is applied again on its own
				sequential[ref] = list[i:]
				break
			}
			if residual.Op != OpNone {
				residuals[ref] = append(residuals[ref], residual)
			}
		}
	}
	if (len(residuals) > 0 || len(sequential) > 0) && b.state.NextBucket == "" {
		b.state.NextBucket = b.chains.keyFor(b.partition, b.pos+1)
	}
	b.mu.Unlock()

	if err := b.persist(ctx); err != nil {
		return false, multierror.Append(errs, err).ErrorOrNil()
	}

	if len(residuals) > 0 {
		next, err := b.next(ctx)
		if err != nil {
			return false, multierror.Append(errs, err).ErrorOrNil()
		}
		if _, err := next.DirectApplyIndexUpdateBatch(ctx, residuals, unique); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for ref, list := range sequential {
		for _, u := range list {
			if _, err := b.DirectApplyIndexUpdate(ctx, ref, u, unique); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", ref, u, err))
			}
		}
	}

	err := errs.ErrorOrNil()
	return err == nil, err
}

// Dispose marks the bucket and the rest of its chain as disposed and clears the
// entries for good. Transactional buckets cannot be disposed.
func (b *Bucket[K]) Dispose(ctx context.Context) error {
	if b.chains.opts.Transactional {
		return Errorf(RetCInvalidOperation, "bucket %s: transactional buckets cannot be disposed", b.key)
	}

	b.mu.Lock()
	b.state.Status = StatusDisposed
	clear(b.state.Map)
	hasNext := b.state.NextBucket != ""
	b.mu.Unlock()

	if err := b.persist(ctx); err != nil {
		return err
	}
	log.Infof("disposed bucket %s", b.key)

	if !hasNext {
		return nil
	}
	next, err := b.next(ctx)
	if err != nil {
		return err
	}
	return next.Dispose(ctx)
}

// --------------------------------------------------------------------------
// Group commit
// --------------------------------------------------------------------------

// persist returns once the bucket state as of the call is durable.
func (b *Bucket[K]) persist(ctx context.Context) error {
	b.mu.Lock()
	b.writeReqGen++
	id := b.writeReqGen
	b.pending[id] = struct{}{}
	b.mu.Unlock()

	select {
	case b.writeLock <- struct{}{}:
	case <-ctx.Done():
		// a later writer persists the change anyway
		b.mu.Lock()
		delete(b.pending, id)
		delete(b.inflight, id)
		delete(b.failed, id)
		b.mu.Unlock()
		return ctx.Err()
	}
	defer func() { <-b.writeLock }()

	b.mu.Lock()
	if _, ok := b.pending[id]; !ok {
		// a previous lock holder already wrote our change
		err := b.failed[id]
		delete(b.failed, id)
		b.mu.Unlock()
		b.chains.metrics.coalesced.Inc()
		return err
	}
	captured := make([]uint64, 0, len(b.pending))
	for pid := range b.pending {
		captured = append(captured, pid)
		b.inflight[pid] = struct{}{}
	}
	clear(b.pending)
	data, err := b.state.encode(b.chains.opts.Codec)
	etag := b.etag
	b.mu.Unlock()

	if err == nil {
		var newETag string
		newETag, err = b.save(ctx, data, etag)
		if err == nil {
			b.mu.Lock()
			b.etag = newETag
			for _, pid := range captured {
				delete(b.inflight, pid)
			}
			b.mu.Unlock()
			return nil
		}
	}

	err = NewError(RetCTransientStorage, "persisting bucket "+b.key, err)
	b.mu.Lock()
	for _, pid := range captured {
		// waiters that gave up are no longer in inflight
		if _, ok := b.inflight[pid]; ok && pid != id {
			b.failed[pid] = err
		}
		delete(b.inflight, pid)
	}
	b.mu.Unlock()
	return err
}

// save writes the encoded state, retrying transient failures with a fixed pause.
// ETag conflicts are not retried, unless an earlier save whose outcome was unknown
// turns out to have been written. Then its etag is adopted and the write repeated.
func (b *Bucket[K]) save(ctx context.Context, data []byte, etag string) (string, error) {
	opts := b.chains.opts
	m := b.chains.metrics
	start := time.Now()

	var newETag string
	attempt := 0
	op := func() error {
		if attempt > 0 {
			m.persistRetries.Inc()
			log.Warningf("retrying persist of %s (%d/%d)", b.key, attempt, opts.PersistRetries)
		}
		attempt++

		var err error
		newETag, err = b.chains.store.Save(ctx, b.key, data, etag)
		if store.IsConflict(err) {
			if written, ok := b.unsureETag(ctx); ok {
				etag = written
				newETag, err = b.chains.store.Save(ctx, b.key, data, etag)
			}
		}
		switch {
		case err == nil:
			b.unsure = nil
		case store.IsConflict(err):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			b.unsure = data
			return backoff.Permanent(err)
		default:
			b.unsure = data
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.PersistBackoff), uint64(opts.PersistRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		m.persistErrors.Inc()
		log.Errorf("persisting bucket %s failed after %d attempts: %v", b.key, attempt, err)
		return "", err
	}

	m.persists.Inc()
	m.persistDuration.UpdateDuration(start)
	return newETag, nil
}

// unsureETag reports the etag of the stored bucket if it holds the data of the
// last save whose outcome was unknown.
func (b *Bucket[K]) unsureETag(ctx context.Context) (string, bool) {
	if b.unsure == nil {
		return "", false
	}
	rec, found, err := b.chains.store.Load(ctx, b.key)
	if err != nil || !found || !bytes.Equal(rec.Value, b.unsure) {
		return "", false
	}
	b.unsure = nil
	log.Infof("bucket %s: an earlier write went through, continuing at etag %s", b.key, rec.ETag)
	return rec.ETag, true
}

// --------------------------------------------------------------------------
// Transactional mode
// --------------------------------------------------------------------------

// applyTransactional mutates the bucket inside the ambient transaction. The
// bucket joins the transaction on first touch and persists with its commit.
func (b *Bucket[K]) applyTransactional(ctx context.Context, ref actor.Ref, u PropertyUpdate[K], unique bool) error {
	tx := txn.FromContext(ctx)
	if tx == nil {
		return txn.Run(ctx, b.chains.tstore, func(ctx context.Context) error {
			return b.applyTransactional(ctx, ref, u, unique)
		})
	}

	if err := b.join(ctx, tx); err != nil {
		return err
	}

	residual, deferred, err := b.applyLocal(ref, u, unique)
	if err != nil || residual.Op == OpNone {
		return err
	}

	next, err := b.next(ctx)
	if err != nil {
		return err
	}
	if err := next.applyTransactional(ctx, ref, residual, unique); err != nil || deferred.Op == OpNone {
		return err
	}
	return b.applyTransactional(ctx, ref, deferred, unique)
}

// join takes the bucket's transaction lock for tx and enlists the bucket.
func (b *Bucket[K]) join(ctx context.Context, tx *txn.Tx) error {
	var enlistErr error
	_, err := b.txLock.Acquire(ctx, tx, func() {
		b.mu.Lock()
		b.snapshot = b.state.clone()
		b.snapETag = b.etag
		b.txOwner = tx
		b.mu.Unlock()
		_, enlistErr = tx.Enlist(b.key, (*bucketParticipant[K])(b))
	})
	if err != nil {
		return NewError(RetCNotReady, "waiting for transaction lock of "+b.key, err)
	}
	if enlistErr != nil {
		b.release()
		return enlistErr
	}
	return nil
}

// release ends the current transaction's hold on the bucket.
func (b *Bucket[K]) release() {
	b.mu.Lock()
	owner := b.txOwner
	b.txOwner = nil
	b.snapshot = nil
	b.mu.Unlock()
	b.txLock.Release(owner)
}

// bucketParticipant is the bucket as seen by the transaction.
type bucketParticipant[K comparable] Bucket[K]

func (p *bucketParticipant[K]) Prepare() ([]store.Write, error) {
	b := (*Bucket[K])(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.state.encode(b.chains.opts.Codec)
	if err != nil {
		return nil, err
	}
	return []store.Write{{Key: b.key, Value: data, ETag: b.etag}}, nil
}

func (p *bucketParticipant[K]) Committed(etags []string) {
	b := (*Bucket[K])(p)
	b.mu.Lock()
	b.etag = etags[0]
	b.mu.Unlock()
	b.chains.metrics.persists.Inc()
	b.release()
}

func (p *bucketParticipant[K]) Aborted() {
	b := (*Bucket[K])(p)
	b.mu.Lock()
	if b.snapshot != nil {
		b.state = b.snapshot
		b.etag = b.snapETag
	}
	b.mu.Unlock()
	b.release()
}
