package facet

import (
	"context"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/index"
)

// WorkflowState updates indexes after the actor state is written, without
// transactions. Eager indexes are updated before PerformUpdate returns, lazy ones
// through the workflow queue. A crash between the state write and the index
// updates can leave the indexes behind, use FaultTolerantState if that matters.
type WorkflowState[S any] struct {
	*base[S]
}

// NewWorkflowState creates the facet of ref. Transactional indexes are rejected.
func NewWorkflowState[S any](ref actor.Ref, reg *Registry[S], opts Options) (*WorkflowState[S], error) {
	b, err := newBase(ref, reg, opts)
	if err != nil {
		return nil, err
	}
	if err := b.checkWorkflowIndexes(); err != nil {
		return nil, err
	}
	return &WorkflowState[S]{base: b}, nil
}

// ----
// Interface Methods (docu see IndexedState)
// ----

func (w *WorkflowState[S]) OnActivate(ctx context.Context) error {
	if err := w.turn.Lock(ctx); err != nil {
		return err
	}
	defer w.turn.Unlock()
	return w.load(ctx)
}

func (w *WorkflowState[S]) OnDeactivate(ctx context.Context) error {
	return w.deactivate(ctx)
}

func (w *WorkflowState[S]) PerformRead(ctx context.Context, fn func(S) error) error {
	return w.read(ctx, fn)
}

// PerformUpdate reserves the new values of unique indexes tentatively, writes the
// state only if that succeeded and then applies all updates for good.
func (w *WorkflowState[S]) PerformUpdate(ctx context.Context, fn func(*S) error) error {
	if err := w.turn.Lock(ctx); err != nil {
		return err
	}
	defer w.turn.Unlock()
	if err := w.ensureActive(ctx); err != nil {
		return err
	}

	next, changes, err := w.prepare(w.before, fn)
	if err != nil {
		return err
	}
	eager, lazy := split(changes)

	unique := uniqueOf(eager)
	if err := w.reserve(ctx, unique); err != nil {
		return err
	}
	if err := w.save(ctx, next, nil); err != nil {
		w.undo(ctx, unique)
		return err
	}
	w.state = next

	errs, err := dispatchWorkflow(ctx, w.ref, ReasonWriteState, eager, index.ModeNonTentative)
	w.refresh(eager, errs)
	if lerr := w.enqueue(lazy, nil); lerr != nil {
		log.Errorf("%v", lerr)
		if err == nil {
			err = lerr
		}
	}
	return err
}

var _ IndexedState[struct{}] = (*WorkflowState[struct{}])(nil)
