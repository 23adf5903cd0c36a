package facet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/index"
	"github.com/ValentinKolb/dIdx/lib/store/lstore"
	"github.com/ValentinKolb/dIdx/lib/store/storetest"
	"github.com/ValentinKolb/dIdx/lib/txn"
	"github.com/ValentinKolb/dIdx/lib/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type team struct {
	Name     string
	Location string
	League   string
	Wins     int
}

const (
	kindWorkflow      = "workflow"
	kindFaultTolerant = "faulttolerant"
	kindTransactional = "transactional"
)

var kinds = []string{kindWorkflow, kindFaultTolerant, kindTransactional}

type fixture struct {
	t        *testing.T
	kind     string
	st       *storetest.Store
	name     index.Index[string]
	location index.Index[string]
	league   index.Index[string]
	reg      *Registry[team]
	queue    *workflow.Queue
}

// newFixture creates the Name (unique), Location and League indexes. League is
// lazy unless the facets are transactional.
func newFixture(t *testing.T, kind string) *fixture {
	t.Helper()
	f := &fixture{t: t, kind: kind, st: storetest.Wrap(lstore.NewLocalStore())}
	f.queue = workflow.NewQueue(t.Name(), 16, time.Second)
	t.Cleanup(f.queue.Close)
	f.open()
	return f
}

// open (re)creates the indexes, dropping everything that is only in memory.
func (f *fixture) open() {
	t := f.t
	opts := func(name string) index.Options {
		o := index.DefaultOptions(name)
		o.PersistBackoff = time.Millisecond
		o.MaxEntriesPerBucket = 3
		o.Transactional = f.kind == kindTransactional
		return o
	}
	var err error

	nameOpts := opts("Name")
	nameOpts.Unique = true
	f.name, err = index.NewHashIndexSingleBucket[string](nameOpts, f.st)
	require.NoError(t, err)

	locOpts := opts("Location")
	locOpts.NullValue = ""
	f.location, err = index.NewHashIndexSingleBucket[string](locOpts, f.st)
	require.NoError(t, err)

	leagueOpts := opts("League")
	leagueOpts.MaxHashBuckets = 2
	leagueOpts.Eager = f.kind == kindTransactional
	f.league, err = index.NewPartitionedIndex[string](leagueOpts, f.st)
	require.NoError(t, err)

	main, err := NewIndexedType("TeamProperties",
		Property(f.name, func(s team) string { return s.Name }),
		Property(f.location, func(s team) string { return s.Location }),
	)
	require.NoError(t, err)
	lazy, err := NewIndexedType("TeamLeague",
		Property(f.league, func(s team) string { return s.League }),
	)
	require.NoError(t, err)
	f.reg, err = NewRegistry(main, lazy)
	require.NoError(t, err)
}

func (f *fixture) facet(key string) IndexedState[team] {
	f.t.Helper()
	ref := actor.NewRef("Team", key)
	opts := Options{Store: f.st, Queue: f.queue}
	var (
		st  IndexedState[team]
		err error
	)
	switch f.kind {
	case kindWorkflow:
		st, err = NewWorkflowState(ref, f.reg, opts)
	case kindFaultTolerant:
		st, err = NewFaultTolerantState(ref, f.reg, opts)
	case kindTransactional:
		st, err = NewTransactionalState(ref, f.reg, opts)
	}
	require.NoError(f.t, err)
	require.NoError(f.t, st.OnActivate(context.Background()))
	return st
}

func (f *fixture) flush() {
	require.NoError(f.t, f.queue.Flush(context.Background()))
}

func set(fn func(*team)) func(*team) error {
	return func(s *team) error {
		fn(s)
		return nil
	}
}

func teamRef(key string) actor.Ref {
	return actor.NewRef("Team", key)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSeattleScenario(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, kind)

			a, b, c := f.facet("A"), f.facet("B"), f.facet("C")
			require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Sonics", "Seattle" })))
			require.NoError(t, b.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Mariners", "Seattle" })))
			require.NoError(t, c.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Giants", "SF" })))

			obs := &index.CollectObserver{}
			require.NoError(t, f.location.LookupStream(ctx, "Seattle", obs))
			refs, _, completed := obs.Result()
			assert.Equal(t, []actor.Ref{teamRef("A"), teamRef("B")}, refs)
			assert.True(t, completed)

			// B leaves memory and comes back as a new activation
			require.NoError(t, b.OnDeactivate(ctx))
			b = f.facet("B")
			name, err := Read(ctx, b, func(s team) (string, error) { return s.Name, nil })
			require.NoError(t, err)
			assert.Equal(t, "Mariners", name)

			require.NoError(t, b.PerformUpdate(ctx, set(func(s *team) { s.Location = "SF" })))

			refs, err = f.location.Lookup(ctx, "Seattle")
			require.NoError(t, err)
			assert.Equal(t, []actor.Ref{teamRef("A")}, refs)
			refs, err = f.location.Lookup(ctx, "SF")
			require.NoError(t, err)
			assert.Equal(t, []actor.Ref{teamRef("B"), teamRef("C")}, refs)

			ref, err := f.name.LookupUnique(ctx, "Giants")
			require.NoError(t, err)
			assert.Equal(t, teamRef("C"), ref)
		})
	}
}

func TestUniqueViolationLeavesStateUntouched(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, kind)

			a, b := f.facet("A"), f.facet("B")
			require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Name = "Sonics" })))
			require.NoError(t, b.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Storm", "Seattle" })))

			err := b.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Sonics", "Tacoma" }))
			require.ErrorIs(t, err, index.ErrConstraintViolation)

			got, err := Read(ctx, b, func(s team) (team, error) { return s, nil })
			require.NoError(t, err)
			assert.Equal(t, "Storm", got.Name)
			assert.Equal(t, "Seattle", got.Location)

			refs, err := f.location.Lookup(ctx, "Tacoma")
			require.NoError(t, err)
			assert.Empty(t, refs)
			ref, err := f.name.LookupUnique(ctx, "Storm")
			require.NoError(t, err)
			assert.Equal(t, teamRef("B"), ref)

			// the stored state is the old one as well
			require.NoError(t, b.OnDeactivate(ctx))
			b = f.facet("B")
			got, err = Read(ctx, b, func(s team) (team, error) { return s, nil })
			require.NoError(t, err)
			assert.Equal(t, "Storm", got.Name)

			// and the rejected value left nothing behind
			require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Name = "Reign" })))
			require.NoError(t, b.PerformUpdate(ctx, set(func(s *team) { s.Name = "Sonics" })))
			ref, err = f.name.LookupUnique(ctx, "Sonics")
			require.NoError(t, err)
			assert.Equal(t, teamRef("B"), ref)
		})
	}
}

func TestNullValueIsNotIndexed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kindWorkflow)
	a := f.facet("A")

	require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Name = "Sonics" })))
	refs, err := f.location.Lookup(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Location = "Seattle" })))
	require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Location = "" })))

	info, err := f.location.Info(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.Keys)
}

func TestLazyIndexes(t *testing.T) {
	for _, kind := range []string{kindWorkflow, kindFaultTolerant} {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, kind)

			for i := 0; i < 6; i++ {
				st := f.facet(fmt.Sprintf("T%d", i))
				require.NoError(t, st.PerformUpdate(ctx, set(func(s *team) { s.League = fmt.Sprintf("L%d", i%2) })))
			}
			f.flush()

			refs, err := f.league.Lookup(ctx, "L0")
			require.NoError(t, err)
			assert.Len(t, refs, 3)
		})
	}
}

func TestFaultTolerantWorkflowIdsAreRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kindFaultTolerant)
	st := f.facet("A")
	ft := st.(*FaultTolerantState[team])

	require.NoError(t, st.PerformUpdate(ctx, set(func(s *team) { s.Location = "Seattle" })))
	ids, err := ft.GetActiveWorkflowIdsSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "eager workflows are confirmed before returning")

	require.NoError(t, st.PerformUpdate(ctx, set(func(s *team) { s.League = "NBA" })))
	f.flush()
	require.Eventually(t, func() bool {
		ids, err := ft.GetActiveWorkflowIdsSet(ctx)
		return err == nil && len(ids) == 0
	}, time.Second, 5*time.Millisecond, "lazy workflows are confirmed by the queue")

	// removing unknown ids is a no-op
	require.NoError(t, ft.RemoveFromActiveWorkflowIds(ctx, []uuid.UUID{uuid.New()}))
}

func TestFaultTolerantRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kindFaultTolerant)
	st := f.facet("A")
	require.NoError(t, st.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Sonics", "Seattle" })))

	// the process dies after the workflow record is written: no index write succeeds
	f.st.FailNext(storetest.OpSave, "index/", -1, nil)
	err := st.PerformUpdate(ctx, set(func(s *team) { s.Location = "SF" }))
	require.ErrorIs(t, err, index.ErrTransientStorage)

	ids, err := st.(*FaultTolerantState[team]).GetActiveWorkflowIdsSet(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	f.st.Heal()
	f.open()

	// the restarted indexes only know what was persisted
	refs, err := f.location.Lookup(ctx, "SF")
	require.NoError(t, err)
	assert.Empty(t, refs)

	recovered := f.facet("A").(*FaultTolerantState[team])
	ids, err = recovered.GetActiveWorkflowIdsSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	refs, err = f.location.Lookup(ctx, "SF")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{teamRef("A")}, refs)
	refs, err = f.location.Lookup(ctx, "Seattle")
	require.NoError(t, err)
	assert.Empty(t, refs)

	// replaying is idempotent and happens once
	f.st.Reset()
	require.NoError(t, recovered.OnDeactivate(ctx))
	_ = f.facet("A")
	assert.Zero(t, f.st.Saves(), "nothing left to replay")
}

func TestFaultTolerantRecoveryOnFirstCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kindFaultTolerant)
	for key, name := range map[string]string{"A": "Sonics", "B": "Storm"} {
		st := f.facet(key)
		require.NoError(t, st.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = name, "Seattle" })))
	}

	f.st.FailNext(storetest.OpSave, "index/", -1, nil)
	for _, key := range []string{"A", "B"} {
		err := f.facet(key).PerformUpdate(ctx, set(func(s *team) { s.Location = "SF" }))
		require.ErrorIs(t, err, index.ErrTransientStorage)
	}
	f.st.Heal()
	f.open()

	fresh := func(key string) *FaultTolerantState[team] {
		st, err := NewFaultTolerantState(teamRef(key), f.reg, Options{Store: f.st, Queue: f.queue})
		require.NoError(t, err)
		return st
	}
	lookup := func(key string) []actor.Ref {
		refs, err := f.location.Lookup(ctx, key)
		require.NoError(t, err)
		return refs
	}

	// reading the workflow ids of an inactive facet activates it with a replay
	a := fresh("A")
	ids, err := a.GetActiveWorkflowIdsSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, []actor.Ref{teamRef("A")}, lookup("SF"))

	// so does confirming workflows
	b := fresh("B")
	require.NoError(t, b.RemoveFromActiveWorkflowIds(ctx, []uuid.UUID{uuid.New()}))
	assert.Equal(t, []actor.Ref{teamRef("A"), teamRef("B")}, lookup("SF"))
	assert.Empty(t, lookup("Seattle"))
	ids, err = b.GetActiveWorkflowIdsSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFaultTolerantReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kindFaultTolerant)
	st := f.facet("A")
	require.NoError(t, st.PerformUpdate(ctx, set(func(s *team) { s.Location = "Seattle" })))
	require.NoError(t, st.PerformUpdate(ctx, set(func(s *team) { s.Location = "SF" })))

	// the indexes were updated but the confirmation of the workflow got lost
	ft := st.(*FaultTolerantState[team])
	enc := func(v string) []byte {
		data, err := ft.codec.Marshal(v)
		require.NoError(t, err)
		return data
	}
	rec := workflow.NewRecord([]workflow.StoredUpdate{{
		Type: "TeamProperties", Property: "Location", Op: index.OpUpdate,
		Before: enc("Seattle"), After: enc("SF"),
	}})
	require.NoError(t, ft.save(ctx, ft.state, map[string]workflow.Record{rec.ID.String(): rec}))
	require.NoError(t, st.OnDeactivate(ctx))

	before, err := f.location.Info(ctx)
	require.NoError(t, err)

	recovered := f.facet("A").(*FaultTolerantState[team])
	ids, err := recovered.GetActiveWorkflowIdsSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	after, err := f.location.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Keys, after.Keys)
	assert.Equal(t, before.Refs, after.Refs)

	refs, err := f.location.Lookup(ctx, "SF")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{teamRef("A")}, refs)
}

func TestTransactionalAtomicity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kindTransactional)
	a, b := f.facet("A"), f.facet("B")
	require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Sonics", "Seattle" })))

	boom := errors.New("boom")
	err := txn.Run(ctx, f.st, func(ctx context.Context) error {
		require.NoError(t, a.PerformUpdate(ctx, set(func(s *team) { s.Location = "SF" })))
		require.NoError(t, b.PerformUpdate(ctx, set(func(s *team) { s.Name, s.Location = "Giants", "SF" })))

		// the transaction sees its own changes
		loc, err := Read(ctx, a, func(s team) (string, error) { return s.Location, nil })
		require.NoError(t, err)
		assert.Equal(t, "SF", loc)
		return boom
	})
	require.ErrorIs(t, err, boom)

	loc, err := Read(ctx, a, func(s team) (string, error) { return s.Location, nil })
	require.NoError(t, err)
	assert.Equal(t, "Seattle", loc)

	refs, err := f.location.Lookup(ctx, "SF")
	require.NoError(t, err)
	assert.Empty(t, refs)
	_, err = f.name.LookupUnique(ctx, "Giants")
	require.ErrorIs(t, err, index.ErrKeyNotFound)

	_, found, err := f.st.Load(ctx, StateKey(teamRef("B")))
	require.NoError(t, err)
	assert.False(t, found)

	// a failing commit rolls back actors and indexes alike
	f.st.FailNext(storetest.OpCommit, "", 1, nil)
	err = a.PerformUpdate(ctx, set(func(s *team) { s.Location = "Portland" }))
	require.Error(t, err)
	refs, err = f.location.Lookup(ctx, "Seattle")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{teamRef("A")}, refs)

	// both actors in one commit
	err = txn.Run(ctx, f.st, func(ctx context.Context) error {
		if err := a.PerformUpdate(ctx, set(func(s *team) { s.Location = "SF" })); err != nil {
			return err
		}
		return b.PerformUpdate(ctx, set(func(s *team) { s.Location = "SF" }))
	})
	require.NoError(t, err)
	refs, err = f.location.Lookup(ctx, "SF")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{teamRef("A"), teamRef("B")}, refs)
}

func TestFailedUpdateFunction(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, kind)
			a := f.facet("A")

			wins, err := Update(ctx, a, func(s *team) (int, error) {
				s.Wins++
				s.Location = "Seattle"
				return s.Wins, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 1, wins)

			boom := errors.New("boom")
			_, err = Update(ctx, a, func(s *team) (int, error) {
				s.Wins = 100
				s.Location = "SF"
				return 0, boom
			})
			require.ErrorIs(t, err, boom)

			got, err := Read(ctx, a, func(s team) (team, error) { return s, nil })
			require.NoError(t, err)
			assert.Equal(t, 1, got.Wins)
			assert.Equal(t, "Seattle", got.Location)

			refs, err := f.location.Lookup(ctx, "SF")
			require.NoError(t, err)
			assert.Empty(t, refs)
		})
	}
}

func TestFailedIndexUpdateIsRetriedByTheNextUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, kindWorkflow)
	a := f.facet("A")

	f.st.FailNext(storetest.OpSave, "index/Location/", -1, nil)
	err := a.PerformUpdate(ctx, set(func(s *team) { s.Location = "Seattle" }))
	require.ErrorIs(t, err, index.ErrTransientStorage)
	f.st.Heal()

	// the before-image was not refreshed, so an update without changes re-sends it
	require.NoError(t, a.PerformUpdate(ctx, set(func(*team) {})))

	f.open()
	refs, err := f.location.Lookup(ctx, "Seattle")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{teamRef("A")}, refs)
}

func TestConfiguration(t *testing.T) {
	st := lstore.NewLocalStore()
	mk := func(name string, mutate func(*index.Options)) index.Index[string] {
		o := index.DefaultOptions(name)
		mutate(&o)
		idx, err := index.NewHashIndexSingleBucket[string](o, st)
		require.NoError(t, err)
		return idx
	}
	get := func(s team) string { return s.Name }
	eager := mk("cfg-eager", func(*index.Options) {})
	lazy := mk("cfg-lazy", func(o *index.Options) { o.Eager = false })
	transactional := mk("cfg-tx", func(o *index.Options) { o.Transactional = true })

	_, err := NewIndexedType("Mixed", Property(eager, get), Property(lazy, get))
	require.ErrorIs(t, err, index.ErrConfiguration, "mixed eagerness")

	_, err = NewIndexedType("Twice", Property(eager, get), Property(eager, get))
	require.ErrorIs(t, err, index.ErrConfiguration)

	wrongNull := mk("cfg-null", func(o *index.Options) { o.NullValue = 0 })
	_, err = NewIndexedType("Null", Property(wrongNull, get))
	require.ErrorIs(t, err, index.ErrConfiguration)

	registry := func(idx index.Index[string]) *Registry[team] {
		typ, err := NewIndexedType("T", Property(idx, get))
		require.NoError(t, err)
		reg, err := NewRegistry(typ)
		require.NoError(t, err)
		return reg
	}
	ref := teamRef("A")

	_, err = NewWorkflowState(ref, registry(lazy), Options{Store: st})
	require.ErrorIs(t, err, index.ErrConfiguration, "lazy without queue")

	_, err = NewFaultTolerantState(ref, registry(transactional), Options{Store: st})
	require.ErrorIs(t, err, index.ErrConfiguration, "transactional index in a workflow facet")

	_, err = NewTransactionalState(ref, registry(eager), Options{Store: st})
	require.ErrorIs(t, err, index.ErrConfiguration, "non-transactional index in a transactional facet")

	_, err = NewTransactionalState(ref, registry(transactional), Options{Store: st})
	require.NoError(t, err)

	_, err = NewWorkflowState(actor.Ref{}, registry(eager), Options{Store: st})
	require.ErrorIs(t, err, index.ErrConfiguration)

	typ, err := NewIndexedType("T", Property(eager, get))
	require.NoError(t, err)
	_, err = NewRegistry(typ, typ)
	require.ErrorIs(t, err, index.ErrConfiguration)
}
