package facet

import (
	"context"
	"fmt"
	"slices"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/ValentinKolb/dIdx/lib/workflow"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var replayedWorkflows = metrics.NewCounter("didx_workflow_replayed_total")

// FaultTolerantState is a WorkflowState that survives crashes: every update is
// recorded as a workflow in the actor state before any index is touched, and
// removed once all indexes confirmed it. Workflows still active on activation
// are replayed.
type FaultTolerantState[S any] struct {
	*base[S]
}

// NewFaultTolerantState creates the facet of ref. Transactional indexes are rejected.
func NewFaultTolerantState[S any](ref actor.Ref, reg *Registry[S], opts Options) (*FaultTolerantState[S], error) {
	b, err := newBase(ref, reg, opts)
	if err != nil {
		return nil, err
	}
	if err := b.checkWorkflowIndexes(); err != nil {
		return nil, err
	}
	return &FaultTolerantState[S]{base: b}, nil
}

// ----
// Interface Methods (docu see IndexedState)
// ----

// OnActivate loads the state and replays the workflows that were not confirmed.
func (f *FaultTolerantState[S]) OnActivate(ctx context.Context) error {
	if err := f.turn.Lock(ctx); err != nil {
		return err
	}
	defer f.turn.Unlock()
	return f.activate(ctx)
}

func (f *FaultTolerantState[S]) OnDeactivate(ctx context.Context) error {
	return f.deactivate(ctx)
}

func (f *FaultTolerantState[S]) PerformRead(ctx context.Context, fn func(S) error) error {
	if err := f.turn.Lock(ctx); err != nil {
		return err
	}
	defer f.turn.Unlock()
	if err := f.ensureActive(ctx); err != nil {
		return err
	}
	return fn(f.state)
}

func (f *FaultTolerantState[S]) PerformUpdate(ctx context.Context, fn func(*S) error) error {
	if err := f.turn.Lock(ctx); err != nil {
		return err
	}
	defer f.turn.Unlock()
	if err := f.ensureActive(ctx); err != nil {
		return err
	}

	next, changes, err := f.prepare(f.before, fn)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		if err := f.save(ctx, next, f.workflows); err != nil {
			return err
		}
		f.state = next
		return nil
	}

	rec, err := f.record(changes)
	if err != nil {
		return err
	}
	id := rec.ID.String()
	withRec := copyWorkflows(f.workflows)
	withRec[id] = rec

	eager, lazy := split(changes)
	unique := uniqueOf(eager)
	if len(unique) > 0 {
		// the workflow is durable before the first bucket is touched
		if err := f.save(ctx, f.state, withRec); err != nil {
			return err
		}
		if err := f.reserve(ctx, unique); err != nil {
			if serr := f.save(ctx, f.state, f.workflows); serr != nil {
				f.workflows = withRec
				log.Warningf("%s: dropping workflow %s failed, it is replayed on activation: %v", f.ref, id, serr)
			}
			return err
		}
	}
	if err := f.save(ctx, next, withRec); err != nil {
		f.undo(ctx, unique)
		if len(unique) > 0 {
			f.workflows = withRec
		}
		return err
	}
	f.state = next
	f.workflows = withRec

	errs, err := dispatchWorkflow(ctx, f.ref, ReasonWriteState, eager, index.ModeNonTentative)
	f.refresh(eager, errs)

	if len(lazy) > 0 {
		eagerDone := err == nil
		done := func(lerr error) {
			switch {
			case lerr != nil:
				log.Warningf("%s: workflow %s stays active: %v", f.ref, id, lerr)
				return
			case !eagerDone:
				return
			}
			if rerr := f.RemoveFromActiveWorkflowIds(context.Background(), []uuid.UUID{rec.ID}); rerr != nil {
				log.Warningf("%s: removing workflow %s: %v", f.ref, id, rerr)
			}
		}
		if lerr := f.enqueue(lazy, done); lerr != nil {
			log.Errorf("%v", lerr)
			if err == nil {
				err = lerr
			}
		}
		return err
	}

	if err != nil {
		log.Warningf("%s: workflow %s stays active: %v", f.ref, id, err)
		return err
	}
	if rerr := f.remove(ctx, []uuid.UUID{rec.ID}); rerr != nil {
		// the indexes are up to date, replaying the record later is harmless
		log.Warningf("%s: removing workflow %s: %v", f.ref, id, rerr)
	}
	return nil
}

// GetActiveWorkflowIdsSet returns the ids of the workflows not yet confirmed.
func (f *FaultTolerantState[S]) GetActiveWorkflowIdsSet(ctx context.Context) (workflow.IDSet, error) {
	if err := f.turn.Lock(ctx); err != nil {
		return nil, err
	}
	defer f.turn.Unlock()
	if err := f.ensureActive(ctx); err != nil {
		return nil, err
	}
	set := make(workflow.IDSet, len(f.workflows))
	for _, rec := range f.workflows {
		set[rec.ID] = struct{}{}
	}
	return set, nil
}

// RemoveFromActiveWorkflowIds confirms the given workflows. Unknown ids are ignored.
func (f *FaultTolerantState[S]) RemoveFromActiveWorkflowIds(ctx context.Context, ids []uuid.UUID) error {
	if err := f.turn.Lock(ctx); err != nil {
		return err
	}
	defer f.turn.Unlock()
	if err := f.ensureActive(ctx); err != nil {
		return err
	}
	return f.remove(ctx, ids)
}

// --------------------------------------------------------------------------
// Workflow records
// --------------------------------------------------------------------------

// remove drops ids from the active workflows and persists the result.
func (f *FaultTolerantState[S]) remove(ctx context.Context, ids []uuid.UUID) error {
	rest := copyWorkflows(f.workflows)
	for _, id := range ids {
		delete(rest, id.String())
	}
	if len(rest) == len(f.workflows) {
		return nil
	}
	if err := f.save(ctx, f.state, rest); err != nil {
		return err
	}
	f.workflows = rest
	return nil
}

func (f *FaultTolerantState[S]) record(changes []change[S]) (workflow.Record, error) {
	updates := make([]workflow.StoredUpdate, len(changes))
	for i, c := range changes {
		p := c.typ.props[c.prop]
		before, err := p.encode(f.codec, c.before)
		if err != nil {
			return workflow.Record{}, fmt.Errorf("encoding %s of %s: %w", p.Name(), f.ref, err)
		}
		after, err := p.encode(f.codec, c.after)
		if err != nil {
			return workflow.Record{}, fmt.Errorf("encoding %s of %s: %w", p.Name(), f.ref, err)
		}
		updates[i] = workflow.StoredUpdate{
			Type:     c.typ.name,
			Property: p.Name(),
			Op:       c.op,
			Before:   before,
			After:    after,
		}
	}
	return workflow.NewRecord(updates), nil
}

// ensureActive activates through activate, so no entry point skips the replay.
func (f *FaultTolerantState[S]) ensureActive(ctx context.Context) error {
	if f.active {
		return nil
	}
	return f.activate(ctx)
}

// activate loads the actor and replays its active workflows.
func (f *FaultTolerantState[S]) activate(ctx context.Context) error {
	if err := f.load(ctx); err != nil {
		return err
	}
	if len(f.workflows) == 0 {
		return nil
	}
	if err := f.replay(ctx); err != nil {
		f.active = false
		return err
	}
	return nil
}

// replay brings the indexes in line with the current state for every property a
// workflow touched: values the workflow may have left behind are deleted and the
// current value is inserted. Both are idempotent, so it does not matter how far
// the workflow got before.
func (f *FaultTolerantState[S]) replay(ctx context.Context) error {
	ids := make([]string, 0, len(f.workflows))
	for id := range f.workflows {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	current := f.imagesOf(&f.state)
	type slot struct{ typ, prop string }
	var changes []change[S]
	inserted := make(map[slot]bool)

	for _, id := range ids {
		for _, u := range f.workflows[id].Updates {
			p, err := f.reg.binding(u.Type, u.Property)
			if err != nil {
				return fmt.Errorf("replaying workflow %s of %s: %w", id, f.ref, err)
			}
			t, _ := f.reg.Get(u.Type)
			pos := slices.Index(t.props, p)
			cur := current[u.Type][pos]

			var stale []any
			for _, data := range [][]byte{u.Before, u.After} {
				if data == nil {
					continue
				}
				v, err := p.decode(f.codec, data)
				if err != nil {
					return fmt.Errorf("replaying workflow %s of %s: %w", id, f.ref, err)
				}
				if v != cur && v != p.null() {
					stale = append(stale, v)
				}
			}
			for _, v := range stale {
				job, op := p.job(f.ref, v, p.null())
				changes = append(changes, change[S]{typ: t, prop: pos, job: job, op: op, before: v, after: p.null()})
			}
			if s := (slot{u.Type, u.Property}); !inserted[s] && cur != p.null() {
				inserted[s] = true
				job, op := p.job(f.ref, p.null(), cur)
				changes = append(changes, change[S]{typ: t, prop: pos, job: job, op: op, before: p.null(), after: cur})
			}
		}
	}

	log.Infof("%s: replaying %d workflows (%d index updates)", f.ref, len(ids), len(changes))
	if _, err := dispatchWorkflow(ctx, f.ref, ReasonActivate, changes, index.ModeNonTentative); err != nil {
		log.Warningf("%s: replay failed, workflows stay active: %v", f.ref, err)
		return err
	}

	if err := f.save(ctx, f.state, nil); err != nil {
		return err
	}
	f.workflows = make(map[string]workflow.Record)
	replayedWorkflows.Add(len(ids))
	return nil
}

var _ IndexedState[struct{}] = (*FaultTolerantState[struct{}])(nil)
