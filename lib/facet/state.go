package facet

import (
	"context"
	"fmt"
	"maps"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/codec"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/workflow"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("facet")

// IndexedState is the indexing facet of one actor. It owns the actor's state S
// and keeps the indexes bound in its registry in sync with it.
type IndexedState[S any] interface {
	Ref() actor.Ref

	// OnActivate loads the persisted state.
	OnActivate(ctx context.Context) error

	// OnDeactivate drops the in-memory state.
	OnDeactivate(ctx context.Context) error

	// PerformRead calls fn with the current state.
	PerformRead(ctx context.Context, fn func(S) error) error

	// PerformUpdate lets fn modify the state, persists it and applies the
	// resulting index updates. If fn fails nothing is changed.
	PerformUpdate(ctx context.Context, fn func(*S) error) error
}

// Read runs fn through PerformRead and returns its result.
func Read[S, T any](ctx context.Context, st IndexedState[S], fn func(S) (T, error)) (T, error) {
	var res T
	err := st.PerformRead(ctx, func(s S) error {
		var err error
		res, err = fn(s)
		return err
	})
	return res, err
}

// Update runs fn through PerformUpdate and returns its result.
func Update[S, T any](ctx context.Context, st IndexedState[S], fn func(*S) (T, error)) (T, error) {
	var res T
	err := st.PerformUpdate(ctx, func(s *S) error {
		var err error
		res, err = fn(s)
		return err
	})
	return res, err
}

// Options configure a facet.
type Options struct {
	// Store persists the actor state.
	Store store.IStore
	// Codec encodes the actor state. nil means msgpack.
	Codec codec.IStateCodec
	// Queue receives the updates of lazy indexes.
	Queue *workflow.Queue
}

// StateKey is the storage key of an actor's state.
func StateKey(ref actor.Ref) string {
	return "actor/" + ref.String()
}

// envelope is the persisted form of an actor.
type envelope[S any] struct {
	State     S                          `json:"state" msgpack:"state"`
	Workflows map[string]workflow.Record `json:"workflows,omitempty" msgpack:"workflows,omitempty"`
}

// images are the property values of a state, per indexed type in binding order.
type images map[string][]any

// change is one property update produced by PerformUpdate.
type change[S any] struct {
	typ    *IndexedType[S]
	prop   int
	job    index.Job
	op     index.OpType
	before any
	after  any
}

// --------------------------------------------------------------------------
// Shared facet state
// --------------------------------------------------------------------------

type base[S any] struct {
	ref   actor.Ref
	key   string
	reg   *Registry[S]
	store store.IStore
	codec codec.IStateCodec
	queue *workflow.Queue

	turn      actor.Turn
	active    bool
	state     S
	etag      string
	before    images
	workflows map[string]workflow.Record
}

func newBase[S any](ref actor.Ref, reg *Registry[S], opts Options) (*base[S], error) {
	switch {
	case ref.IsZero():
		return nil, index.Errorf(index.RetCConfiguration, "facet needs an actor reference")
	case reg == nil:
		return nil, index.Errorf(index.RetCConfiguration, "facet of %s needs a registry", ref)
	case opts.Store == nil:
		return nil, index.Errorf(index.RetCConfiguration, "facet of %s needs a store", ref)
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewMsgpackCodec()
	}
	return &base[S]{
		ref:   ref,
		key:   StateKey(ref),
		reg:   reg,
		store: opts.Store,
		codec: opts.Codec,
		queue: opts.Queue,
		turn:  actor.NewTurn(),
	}, nil
}

// checkWorkflowIndexes rejects setups a workflow facet cannot serve.
func (b *base[S]) checkWorkflowIndexes() error {
	return b.reg.each(func(t *IndexedType[S], _ int, p PropertyBinding[S]) error {
		opts := p.Target().Options()
		if opts.Transactional {
			return index.Errorf(index.RetCConfiguration,
				"type %s: index %s is transactional and needs a transactional facet", t.name, p.Name())
		}
		if !opts.Eager && b.queue == nil {
			return index.Errorf(index.RetCConfiguration, "type %s: lazy index %s needs a workflow queue", t.name, p.Name())
		}
		return nil
	})
}

func (b *base[S]) Ref() actor.Ref {
	return b.ref
}

func (b *base[S]) imagesOf(s *S) images {
	img := make(images, len(b.reg.types))
	for _, t := range b.reg.types {
		vals := make([]any, len(t.props))
		for i, p := range t.props {
			vals[i] = p.image(s)
		}
		img[t.name] = vals
	}
	return img
}

// load reads the persisted actor. An actor that was never saved starts with the zero state.
func (b *base[S]) load(ctx context.Context) error {
	rec, found, err := b.store.Load(ctx, b.key)
	if err != nil {
		return fmt.Errorf("loading %s: %w", b.ref, err)
	}
	var env envelope[S]
	if found {
		if err := b.codec.Unmarshal(rec.Value, &env); err != nil {
			return fmt.Errorf("decoding %s: %w", b.ref, err)
		}
	}
	b.state = env.State
	b.etag = rec.ETag
	b.workflows = env.Workflows
	if b.workflows == nil {
		b.workflows = make(map[string]workflow.Record)
	}
	b.before = b.imagesOf(&b.state)
	b.active = true
	log.Debugf("activated %s (%d active workflows)", b.ref, len(b.workflows))
	return nil
}

func (b *base[S]) ensureActive(ctx context.Context) error {
	if b.active {
		return nil
	}
	return b.load(ctx)
}

func (b *base[S]) encode(state S, workflows map[string]workflow.Record) ([]byte, error) {
	return b.codec.Marshal(envelope[S]{State: state, Workflows: workflows})
}

// save persists state together with workflows.
func (b *base[S]) save(ctx context.Context, state S, workflows map[string]workflow.Record) error {
	data, err := b.encode(state, workflows)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", b.ref, err)
	}
	etag, err := b.store.Save(ctx, b.key, data, b.etag)
	if err != nil {
		return fmt.Errorf("saving %s: %w", b.ref, err)
	}
	b.etag = etag
	return nil
}

// clone returns a deep copy of s by round-tripping it through the codec.
func (b *base[S]) clone(s S) (S, error) {
	var out S
	data, err := b.codec.Marshal(s)
	if err != nil {
		return out, err
	}
	err = b.codec.Unmarshal(data, &out)
	return out, err
}

// prepare runs fn on a copy of the state and returns the copy and the
// property changes relative to before.
func (b *base[S]) prepare(before images, fn func(*S) error) (S, []change[S], error) {
	next, err := b.clone(b.state)
	if err != nil {
		return next, nil, fmt.Errorf("copying state of %s: %w", b.ref, err)
	}
	if err := fn(&next); err != nil {
		return next, nil, err
	}
	return next, b.diff(before, b.imagesOf(&next)), nil
}

func (b *base[S]) diff(before, after images) []change[S] {
	var changes []change[S]
	for _, t := range b.reg.types {
		for i, p := range t.props {
			bv, av := before[t.name][i], after[t.name][i]
			job, op := p.job(b.ref, bv, av)
			if job == nil {
				continue
			}
			changes = append(changes, change[S]{typ: t, prop: i, job: job, op: op, before: bv, after: av})
		}
	}
	return changes
}

// refresh moves the before-image of every change without an error to its after value.
func (b *base[S]) refresh(changes []change[S], errs []error) {
	for i, c := range changes {
		if errs != nil && errs[i] != nil {
			continue
		}
		b.before[c.typ.name][c.prop] = c.after
	}
}

func (b *base[S]) read(ctx context.Context, fn func(S) error) error {
	if err := b.turn.Lock(ctx); err != nil {
		return err
	}
	defer b.turn.Unlock()
	if err := b.ensureActive(ctx); err != nil {
		return err
	}
	return fn(b.state)
}

func (b *base[S]) deactivate(ctx context.Context) error {
	if err := b.turn.Lock(ctx); err != nil {
		return err
	}
	defer b.turn.Unlock()
	var zero S
	b.state = zero
	b.before = nil
	b.workflows = nil
	b.active = false
	log.Debugf("deactivated %s", b.ref)
	return nil
}

// --------------------------------------------------------------------------
// Workflow helpers
// --------------------------------------------------------------------------

// split separates the changes of eager and lazy types.
func split[S any](changes []change[S]) (eager, lazy []change[S]) {
	for _, c := range changes {
		if c.typ.eager {
			eager = append(eager, c)
		} else {
			lazy = append(lazy, c)
		}
	}
	return eager, lazy
}

func uniqueOf[S any](changes []change[S]) []change[S] {
	var unique []change[S]
	for _, c := range changes {
		if c.job.Target().Options().Unique {
			unique = append(unique, c)
		}
	}
	return unique
}

// reserve applies the changes of unique indexes tentatively. If any of them
// fails the successful ones are undone and the error is returned.
func (b *base[S]) reserve(ctx context.Context, unique []change[S]) error {
	if len(unique) == 0 {
		return nil
	}
	errs, err := dispatchWorkflow(ctx, b.ref, ReasonWriteState, unique, index.ModeTentative)
	if err == nil {
		return nil
	}
	var applied []change[S]
	for i, c := range unique {
		if errs[i] == nil {
			applied = append(applied, c)
		}
	}
	b.undo(ctx, applied)
	return err
}

// undo reverts tentatively applied changes. Failures are logged, the tentative
// entries they leave behind stay invisible to lookups.
func (b *base[S]) undo(ctx context.Context, applied []change[S]) {
	for _, c := range applied {
		if err := c.job.Inverse().Apply(ctx); err != nil {
			log.Warningf("%s: undoing tentative %v failed: %v", b.ref, c.job, err)
		}
	}
}

// enqueue hands the lazy changes to the workflow queue.
func (b *base[S]) enqueue(lazy []change[S], done func(error)) error {
	if len(lazy) == 0 {
		return nil
	}
	jobs := make([]index.Job, len(lazy))
	for i, c := range lazy {
		jobs[i] = c.job
	}
	if done == nil {
		ref := b.ref
		done = func(err error) {
			if err != nil {
				log.Warningf("%s: lazy index update failed: %v", ref, err)
			}
		}
	}
	if err := b.queue.Enqueue(workflow.Task{Jobs: jobs, Done: done}); err != nil {
		return fmt.Errorf("enqueueing lazy updates of %s: %w", b.ref, err)
	}
	b.refresh(lazy, nil)
	return nil
}

func copyWorkflows(m map[string]workflow.Record) map[string]workflow.Record {
	out := make(map[string]workflow.Record, len(m)+1)
	maps.Copy(out, m)
	return out
}
