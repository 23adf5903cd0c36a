package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("txn")

// ErrNotActive is returned when a participant tries to join a finished transaction.
var ErrNotActive = errors.New("transaction is no longer active")

// Participant is a resource taking part in a transaction.
type Participant interface {
	// Prepare returns the writes that make the participant's state durable.
	Prepare() ([]store.Write, error)
	// Committed is called after a successful commit with the new ETags of its writes.
	Committed(etags []string)
	// Aborted is called when the transaction is rolled back.
	Aborted()
}

type status uint8

const (
	statusActive status = iota
	statusCommitting
	statusCommitted
	statusAborted
)

type enlisted struct {
	id string
	p  Participant
}

// Tx is a transaction over a store.ITransactionalStore.
type Tx struct {
	id    uuid.UUID
	store store.ITransactionalStore

	mu           sync.Mutex
	status       status
	abortErr     error
	participants []enlisted
	ids          map[string]struct{}
}

// Begin starts a new transaction.
func Begin(st store.ITransactionalStore) *Tx {
	return &Tx{
		id:    uuid.New(),
		store: st,
		ids:   make(map[string]struct{}),
	}
}

func (tx *Tx) ID() uuid.UUID {
	return tx.id
}

func (tx *Tx) String() string {
	return "tx-" + tx.id.String()[:8]
}

// Enlist adds p under id. Enlisting the same id again is a no-op and returns false.
func (tx *Tx) Enlist(id string, p Participant) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != statusActive {
		return false, ErrNotActive
	}
	if _, ok := tx.ids[id]; ok {
		return false, nil
	}
	tx.ids[id] = struct{}{}
	tx.participants = append(tx.participants, enlisted{id: id, p: p})
	return true, nil
}

// Enlisted reports whether a participant with id has joined.
func (tx *Tx) Enlisted(id string) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	_, ok := tx.ids[id]
	return ok
}

// Active reports whether the transaction can still be joined and committed.
func (tx *Tx) Active() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status == statusActive
}

// Commit makes the writes of all participants durable in one store commit.
// Any failure aborts the transaction and rolls every participant back.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	switch tx.status {
	case statusCommitted:
		tx.mu.Unlock()
		return nil
	case statusAborted:
		err := tx.abortErr
		tx.mu.Unlock()
		return fmt.Errorf("%s was aborted: %w", tx, err)
	case statusCommitting:
		tx.mu.Unlock()
		return fmt.Errorf("%s is already committing", tx)
	}
	tx.status = statusCommitting
	participants := tx.participants
	tx.mu.Unlock()

	var writes []store.Write
	counts := make([]int, len(participants))
	for i, e := range participants {
		w, err := e.p.Prepare()
		if err != nil {
			err = fmt.Errorf("prepare %s: %w", e.id, err)
			tx.Abort(err)
			return err
		}
		counts[i] = len(w)
		writes = append(writes, w...)
	}

	etags, err := tx.store.Commit(ctx, writes)
	if err != nil {
		err = fmt.Errorf("commit %s: %w", tx, err)
		tx.Abort(err)
		return err
	}

	tx.mu.Lock()
	tx.status = statusCommitted
	tx.mu.Unlock()

	pos := 0
	for i, e := range participants {
		e.p.Committed(etags[pos : pos+counts[i]])
		pos += counts[i]
	}
	log.Debugf("%s committed %d writes from %d participants", tx, len(writes), len(participants))
	return nil
}

// Abort rolls back every participant. Calling it again has no effect.
// A later Commit returns err.
func (tx *Tx) Abort(err error) {
	tx.mu.Lock()
	if tx.status != statusActive && tx.status != statusCommitting {
		tx.mu.Unlock()
		return
	}
	tx.status = statusAborted
	if err == nil {
		err = errors.New("aborted")
	}
	tx.abortErr = err
	participants := tx.participants
	tx.mu.Unlock()

	// roll back in reverse order of enlistment
	for i := len(participants) - 1; i >= 0; i-- {
		participants[i].p.Aborted()
	}
	log.Debugf("%s aborted: %v", tx, err)
}

// --------------------------------------------------------------------------
// Context handling
// --------------------------------------------------------------------------

type ctxKey struct{}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(ctxKey{}).(*Tx)
	return tx
}

// Run executes fn inside a transaction. An active transaction in ctx is joined and
// left for its owner to commit. Otherwise a new one is started, committed when fn
// succeeds and aborted when it fails.
func Run(ctx context.Context, st store.ITransactionalStore, fn func(ctx context.Context) error) error {
	if tx := FromContext(ctx); tx != nil {
		if !tx.Active() {
			return ErrNotActive
		}
		if err := fn(ctx); err != nil {
			tx.Abort(err)
			return err
		}
		return nil
	}

	tx := Begin(st)
	if err := fn(WithTx(ctx, tx)); err != nil {
		tx.Abort(err)
		return err
	}
	return tx.Commit(ctx)
}
