package facet

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/txn"
)

// TransactionalState writes the actor state and its index updates in one
// transaction. PerformUpdate joins the transaction carried by ctx or runs its own.
// Until the transaction ends no other transaction can update or read the actor.
type TransactionalState[S any] struct {
	*base[S]
	tstore store.ITransactionalStore

	txLock txn.ResourceLock
	// guards the fields below and the committed view of base
	mu    sync.Mutex
	owner *txn.Tx
	snap  *txSnapshot[S]
}

type txSnapshot[S any] struct {
	state  S
	etag   string
	active bool
}

// NewTransactionalState creates the facet of ref. Every bound index must be
// transactional and the store must support commits.
func NewTransactionalState[S any](ref actor.Ref, reg *Registry[S], opts Options) (*TransactionalState[S], error) {
	b, err := newBase(ref, reg, opts)
	if err != nil {
		return nil, err
	}
	tstore, ok := opts.Store.(store.ITransactionalStore)
	if !ok {
		return nil, index.Errorf(index.RetCConfiguration, "transactional facet of %s needs a transactional store", ref)
	}
	err = reg.each(func(t *IndexedType[S], _ int, p PropertyBinding[S]) error {
		o := p.Target().Options()
		if !o.Eager {
			return index.Errorf(index.RetCConfiguration, "type %s: index %s is lazy, transactional updates must be eager", t.name, p.Name())
		}
		if !o.Transactional {
			return index.Errorf(index.RetCConfiguration, "type %s: index %s is not transactional", t.name, p.Name())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &TransactionalState[S]{base: b, tstore: tstore}, nil
}

// ----
// Interface Methods (docu see IndexedState)
// ----

func (s *TransactionalState[S]) OnActivate(ctx context.Context) error {
	if err := s.turn.Lock(ctx); err != nil {
		return err
	}
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *TransactionalState[S]) OnDeactivate(ctx context.Context) error {
	if err := s.turn.Lock(ctx); err != nil {
		return err
	}
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil {
		return index.Errorf(index.RetCInvalidOperation, "%s is part of %s", s.ref, s.owner)
	}
	var zero S
	s.state = zero
	s.active = false
	return nil
}

// PerformRead sees the committed state, or the state of its own transaction
// if ctx carries the transaction that holds the actor.
func (s *TransactionalState[S]) PerformRead(ctx context.Context, fn func(S) error) error {
	if err := s.activated(ctx); err != nil {
		return err
	}
	var state S
	err := s.txLock.Do(ctx, txn.FromContext(ctx), func() {
		s.mu.Lock()
		state = s.state
		s.mu.Unlock()
	})
	if err != nil {
		return err
	}
	return fn(state)
}

func (s *TransactionalState[S]) PerformUpdate(ctx context.Context, fn func(*S) error) error {
	return txn.Run(ctx, s.tstore, func(ctx context.Context) error {
		if err := s.join(ctx, txn.FromContext(ctx)); err != nil {
			return err
		}
		if err := s.turn.Lock(ctx); err != nil {
			return err
		}
		defer s.turn.Unlock()

		s.mu.Lock()
		err := s.ensureActive(ctx)
		var next S
		var changes []change[S]
		if err == nil {
			next, changes, err = s.prepare(s.imagesOf(&s.state), fn)
		}
		if err == nil {
			s.state = next
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}

		return dispatchTransactional(ctx, s.ref, ReasonWriteState, changes)
	})
}

// activated loads the state if needed.
func (s *TransactionalState[S]) activated(ctx context.Context) error {
	if err := s.turn.Lock(ctx); err != nil {
		return err
	}
	defer s.turn.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureActive(ctx)
}

// join locks the actor for tx and enlists it.
func (s *TransactionalState[S]) join(ctx context.Context, tx *txn.Tx) error {
	var enlistErr error
	_, err := s.txLock.Acquire(ctx, tx, func() {
		s.mu.Lock()
		s.owner = tx
		s.snap = &txSnapshot[S]{state: s.state, etag: s.etag, active: s.active}
		s.mu.Unlock()
		_, enlistErr = tx.Enlist(s.key, (*stateParticipant[S])(s))
	})
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", s.ref, err)
	}
	if enlistErr != nil {
		s.release()
	}
	return enlistErr
}

func (s *TransactionalState[S]) release() {
	s.mu.Lock()
	owner := s.owner
	s.owner = nil
	s.snap = nil
	s.mu.Unlock()
	s.txLock.Release(owner)
}

// stateParticipant is the facet as seen by the transaction.
type stateParticipant[S any] TransactionalState[S]

func (p *stateParticipant[S]) Prepare() ([]store.Write, error) {
	s := (*TransactionalState[S])(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.encode(s.state, nil)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", s.ref, err)
	}
	return []store.Write{{Key: s.key, Value: data, ETag: s.etag}}, nil
}

func (p *stateParticipant[S]) Committed(etags []string) {
	s := (*TransactionalState[S])(p)
	s.mu.Lock()
	s.etag = etags[0]
	s.mu.Unlock()
	s.release()
}

func (p *stateParticipant[S]) Aborted() {
	s := (*TransactionalState[S])(p)
	s.mu.Lock()
	if s.snap != nil {
		s.state = s.snap.state
		s.etag = s.snap.etag
		s.active = s.snap.active
	}
	s.mu.Unlock()
	s.release()
}

var _ IndexedState[struct{}] = (*TransactionalState[struct{}])(nil)
