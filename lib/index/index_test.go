package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dIdx/lib/actor"
	"github.com/ValentinKolb/dIdx/lib/codec"
	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/ValentinKolb/dIdx/lib/store/lstore"
	"github.com/ValentinKolb/dIdx/lib/store/storetest"
	"github.com/ValentinKolb/dIdx/lib/txn"
	"github.com/ValentinKolb/dIdx/lib/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func player(i int) actor.Ref {
	return actor.NewRef("Player", fmt.Sprintf("p%d", i))
}

func testOptions(name string) Options {
	opts := DefaultOptions(name)
	opts.PersistBackoff = time.Millisecond
	return opts
}

func newSingle(t *testing.T, opts Options, st store.IStore) *HashIndexSingleBucket[string] {
	t.Helper()
	idx, err := NewHashIndexSingleBucket[string](opts, st)
	require.NoError(t, err)
	return idx
}

// --------------------------------------------------------------------------
// Updates and lookups
// --------------------------------------------------------------------------

func TestApplyAndLookup(t *testing.T) {
	ctx := context.Background()
	idx := newSingle(t, testOptions("Location"), lstore.NewLocalStore())

	require.NoError(t, idx.Apply(ctx, player(1), Insert("Seattle")))
	require.NoError(t, idx.Apply(ctx, player(2), Insert("Seattle")))
	require.NoError(t, idx.Apply(ctx, player(3), Insert("Berlin")))

	refs, err := idx.Lookup(ctx, "Seattle")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(1), player(2)}, refs)

	require.NoError(t, idx.Apply(ctx, player(1), Update("Seattle", "Berlin")))
	refs, err = idx.Lookup(ctx, "Berlin")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(1), player(3)}, refs)

	require.NoError(t, idx.Apply(ctx, player(2), Delete("Seattle")))
	refs, err = idx.Lookup(ctx, "Seattle")
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = idx.Lookup(ctx, "Paris")
	require.NoError(t, err)
	assert.Empty(t, refs)

	// none is a no-op
	require.NoError(t, idx.Apply(ctx, player(9), PropertyUpdate[string]{}))
}

func TestIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	idx := newSingle(t, testOptions("replay"), lstore.NewLocalStore())

	updates := []PropertyUpdate[string]{
		Insert("a"),
		Update("a", "b"),
		Delete("b"),
		Insert("c"),
	}
	for round := 0; round < 3; round++ {
		for _, u := range updates {
			require.NoError(t, idx.Apply(ctx, player(1), u), "round %d %s", round, u)
		}
	}

	for key, want := range map[string]int{"a": 0, "b": 0, "c": 1} {
		refs, err := idx.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Len(t, refs, want, key)
	}

	info, err := idx.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Keys)
	assert.Equal(t, 1, info.Refs)
}

func TestUniqueConstraint(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("Name")
	opts.Unique = true
	idx := newSingle(t, opts, lstore.NewLocalStore())

	require.NoError(t, idx.Apply(ctx, player(1), Insert("Sonics")))
	// re-inserting the same member is fine
	require.NoError(t, idx.Apply(ctx, player(1), Insert("Sonics")))

	err := idx.Apply(ctx, player(2), Insert("Sonics"))
	require.ErrorIs(t, err, ErrConstraintViolation)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, RetCConstraintViolation, code)

	// a rejected update leaves the old value of the actor untouched
	require.NoError(t, idx.Apply(ctx, player(2), Insert("Mariners")))
	require.ErrorIs(t, idx.Apply(ctx, player(2), Update("Mariners", "Sonics")), ErrConstraintViolation)

	ref, err := idx.LookupUnique(ctx, "Mariners")
	require.NoError(t, err)
	assert.Equal(t, player(2), ref)

	ref, err = idx.LookupUnique(ctx, "Sonics")
	require.NoError(t, err)
	assert.Equal(t, player(1), ref)

	_, err = idx.LookupUnique(ctx, "Storm")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestTentativeEntries(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("tentative")
	opts.Unique = true
	idx := newSingle(t, opts, lstore.NewLocalStore())

	tentative := Insert("x").WithMode(ModeTentative)
	require.NoError(t, idx.Apply(ctx, player(1), tentative))

	refs, err := idx.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, refs, "tentative entries are invisible")

	_, err = idx.LookupUnique(ctx, "x")
	require.ErrorIs(t, err, ErrConsistencyAnomaly)

	// the tentative entry still reserves the key
	require.ErrorIs(t, idx.Apply(ctx, player(2), Insert("x")), ErrConstraintViolation)

	// undo
	require.NoError(t, idx.Apply(ctx, player(1), tentative.Inverse()))
	require.NoError(t, idx.Apply(ctx, player(2), Insert("x")))
	ref, err := idx.LookupUnique(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, player(2), ref)

	// tentative delete hides the entry, the confirming delete removes it
	require.NoError(t, idx.Apply(ctx, player(2), Delete("x").WithMode(ModeTentative)))
	refs, err = idx.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, refs)
	require.NoError(t, idx.Apply(ctx, player(2), Delete("x")))

	require.NoError(t, idx.Apply(ctx, player(3), Insert("x")))
	ref, err = idx.LookupUnique(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, player(3), ref)
}

// --------------------------------------------------------------------------
// Chains
// --------------------------------------------------------------------------

func TestChainCompleteness(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("chain")
	opts.MaxEntriesPerBucket = 5
	st := lstore.NewLocalStore()
	idx := newSingle(t, opts, st)

	const n = 23
	for i := 0; i < n; i++ {
		require.NoError(t, idx.Apply(ctx, player(i), Insert(fmt.Sprintf("k%02d", i))))
	}

	check := func() {
		for i := 0; i < n; i++ {
			refs, err := idx.Lookup(ctx, fmt.Sprintf("k%02d", i))
			require.NoError(t, err)
			assert.Equal(t, []actor.Ref{player(i)}, refs)
		}
		refs, err := idx.Lookup(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, refs)
	}
	check()

	info, err := idx.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Chains)
	assert.Equal(t, 5, info.Buckets)
	assert.Equal(t, 5, info.LongestChain)
	assert.Equal(t, n, info.Keys)
	assert.Equal(t, float64(5), info.KeysPerBucket.Max)

	// the chain survives reactivation
	require.NoError(t, idx.Deactivate(ctx))
	check()

	// move a key from the head to a new key, which is created at the tail
	require.NoError(t, idx.Apply(ctx, player(0), Update("k00", "k99")))
	refs, err := idx.Lookup(ctx, "k99")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(0)}, refs)
	refs, err = idx.Lookup(ctx, "k00")
	require.NoError(t, err)
	assert.Empty(t, refs)

	// a second member of an existing key joins it where it lives
	require.NoError(t, idx.Apply(ctx, player(100), Insert("k07")))
	refs, err = idx.Lookup(ctx, "k07")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(100), player(7)}, refs)

	info, err = idx.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, info.Keys)
	assert.Equal(t, n+1, info.Refs)
}

func TestUniqueUpdateAcrossChain(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("chainunique")
	opts.MaxEntriesPerBucket = 1
	opts.Unique = true
	idx := newSingle(t, opts, lstore.NewLocalStore())

	// x lives in the head, y in the second bucket
	require.NoError(t, idx.Apply(ctx, player(1), Insert("x")))
	require.NoError(t, idx.Apply(ctx, player(2), Insert("y")))

	check := func(key string, want actor.Ref) {
		t.Helper()
		refs, err := idx.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{want}, refs)
		ref, err := idx.LookupUnique(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, ref)
	}

	// the new value is taken further down, the old one must survive
	require.ErrorIs(t, idx.Apply(ctx, player(1), Update("x", "y")), ErrConstraintViolation)
	check("x", player(1))
	check("y", player(2))

	require.ErrorIs(t, idx.Apply(ctx, player(1), Update("x", "y").WithMode(ModeTentative)), ErrConstraintViolation)
	check("x", player(1))

	err := idx.ApplyBatch(ctx, map[actor.Ref][]PropertyUpdate[string]{player(1): {Update("x", "y")}})
	require.ErrorIs(t, err, ErrConstraintViolation)
	check("x", player(1))

	require.NoError(t, idx.Deactivate(ctx))
	check("x", player(1))
	check("y", player(2))

	// a free value moves the entry to a new tail bucket
	require.NoError(t, idx.Apply(ctx, player(1), Update("x", "z")))
	check("z", player(1))
	_, err = idx.LookupUnique(ctx, "x")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, idx.Deactivate(ctx))
	check("z", player(1))
	refs, err := idx.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, refs)

	info, err := idx.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Buckets)
	assert.Equal(t, 2, info.Keys)
}

func TestTentativeUpdateAcrossChain(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("chaintentative")
	opts.MaxEntriesPerBucket = 1
	opts.Unique = true
	idx := newSingle(t, opts, lstore.NewLocalStore())

	require.NoError(t, idx.Apply(ctx, player(1), Insert("x")))
	require.NoError(t, idx.Apply(ctx, player(2), Insert("y")))

	// tentative move, then the confirming update
	update := Update("x", "z")
	require.NoError(t, idx.Apply(ctx, player(1), update.WithMode(ModeTentative)))
	_, err := idx.LookupUnique(ctx, "z")
	require.ErrorIs(t, err, ErrConsistencyAnomaly)
	_, err = idx.LookupUnique(ctx, "x")
	require.ErrorIs(t, err, ErrConsistencyAnomaly)

	require.NoError(t, idx.Apply(ctx, player(1), update))
	ref, err := idx.LookupUnique(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, player(1), ref)
	_, err = idx.LookupUnique(ctx, "x")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGroupCommit(t *testing.T) {
	ctx := context.Background()
	st := storetest.Wrap(lstore.NewLocalStore())
	idx := newSingle(t, testOptions("group"), st)

	require.NoError(t, idx.Apply(ctx, player(0), Insert("warmup")))
	b, err := idx.chains.bucket(ctx, 0, 0)
	require.NoError(t, err)

	st.Reset()
	st.SetWriteDelay(500 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, idx.Apply(ctx, player(1), Insert("first")))
	}()
	require.Eventually(t, func() bool { return st.Saves() == 1 }, time.Second, time.Millisecond)

	const c = 10
	for i := 0; i < c; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, idx.Apply(ctx, player(i+2), Insert(fmt.Sprintf("k%d", i))))
		}(i)
	}
	// all requests are registered while the first write is still in flight
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == c
	}, 400*time.Millisecond, time.Millisecond)

	wg.Wait()
	assert.EqualValues(t, 2, st.Saves(), "one write for the first update, one for the rest")

	st.SetWriteDelay(0)
	require.NoError(t, idx.Deactivate(ctx))
	for i := 0; i < c; i++ {
		refs, err := idx.Lookup(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{player(i + 2)}, refs)
	}
}

func TestPersistRetries(t *testing.T) {
	ctx := context.Background()
	st := storetest.Wrap(lstore.NewLocalStore())
	idx := newSingle(t, testOptions("retry"), st)

	st.FailNext(storetest.OpSave, "index/retry/", 2, nil)
	require.NoError(t, idx.Apply(ctx, player(1), Insert("a")))
	assert.EqualValues(t, 3, st.Saves())

	st.Reset()
	st.FailNext(storetest.OpSave, "index/retry/", -1, nil)
	err := idx.Apply(ctx, player(2), Insert("b"))
	require.ErrorIs(t, err, ErrTransientStorage)
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.EqualValues(t, 4, st.Saves(), "first attempt plus three retries")

	// memory is ahead of the store until the next successful write
	refs, err := idx.Lookup(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(2)}, refs)

	st.Heal()
	require.NoError(t, idx.Apply(ctx, player(3), Insert("c")))
	require.NoError(t, idx.Deactivate(ctx))
	for key, ref := range map[string]actor.Ref{"a": player(1), "b": player(2), "c": player(3)} {
		refs, err := idx.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{ref}, refs)
	}
}

func TestCancelledWaiter(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("cancel")
	opts.PersistRetries = 0
	st := storetest.Wrap(lstore.NewLocalStore())
	idx := newSingle(t, opts, st)

	require.NoError(t, idx.Apply(ctx, player(0), Insert("warmup")))
	b, err := idx.chains.bucket(ctx, 0, 0)
	require.NoError(t, err)

	st.Reset()
	st.SetWriteDelay(300 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = idx.Apply(ctx, player(1), Insert("a"))
	}()
	require.Eventually(t, func() bool { return st.Saves() == 1 }, time.Second, time.Millisecond)
	st.FailNext(storetest.OpSave, "index/cancel/", -1, nil)

	pending := func(n int) func() bool {
		return func() bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return len(b.pending) == n
		}
	}

	// the first waiter writes for both, the second gives up during that write
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.ErrorIs(t, idx.Apply(ctx, player(2), Insert("b")), ErrTransientStorage)
	}()
	require.Eventually(t, pending(1), 200*time.Millisecond, time.Millisecond)
	go func() {
		defer wg.Done()
		short, cancel := context.WithTimeout(ctx, 450*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, idx.Apply(short, player(3), Insert("c")), context.DeadlineExceeded)
	}()
	require.Eventually(t, pending(2), 200*time.Millisecond, time.Millisecond)
	wg.Wait()

	b.mu.Lock()
	assert.Empty(t, b.pending)
	assert.Empty(t, b.inflight)
	assert.Empty(t, b.failed)
	b.mu.Unlock()

	st.Heal()
	st.SetWriteDelay(0)
	require.NoError(t, idx.Apply(ctx, player(4), Insert("d")))
	require.NoError(t, idx.Deactivate(ctx))
	refs, err := idx.Lookup(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(3)}, refs)
}

func TestLostSaveReply(t *testing.T) {
	ctx := context.Background()
	st := storetest.Wrap(lstore.NewLocalStore())

	// with retries the repeated save adopts what the lost one wrote
	idx := newSingle(t, testOptions("lost"), st)
	st.LoseNextReply(storetest.OpSave, "index/lost/", 1, nil)
	require.NoError(t, idx.Apply(ctx, player(1), Insert("a")))
	require.NoError(t, idx.Apply(ctx, player(2), Insert("b")))

	// without retries the caller sees the failure, the next write heals the bucket
	opts := testOptions("lostonce")
	opts.PersistRetries = 0
	once := newSingle(t, opts, st)
	require.NoError(t, once.Apply(ctx, player(1), Insert("a")))
	st.LoseNextReply(storetest.OpSave, "index/lostonce/", 1, nil)
	require.ErrorIs(t, once.Apply(ctx, player(2), Insert("b")), ErrTransientStorage)
	require.NoError(t, once.Apply(ctx, player(3), Insert("c")))

	for _, x := range []*HashIndexSingleBucket[string]{idx, once} {
		require.NoError(t, x.Deactivate(ctx))
	}
	for key, ref := range map[string]actor.Ref{"a": player(1), "b": player(2)} {
		refs, err := idx.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{ref}, refs)
	}
	for key, ref := range map[string]actor.Ref{"a": player(1), "b": player(2), "c": player(3)} {
		refs, err := once.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{ref}, refs)
	}
}

func TestActivationFailure(t *testing.T) {
	ctx := context.Background()
	st := storetest.Wrap(lstore.NewLocalStore())
	idx := newSingle(t, testOptions("activation"), st)

	st.FailNext(storetest.OpLoad, "index/activation/", 1, nil)
	_, err := idx.Lookup(ctx, "a")
	require.ErrorIs(t, err, ErrTransientStorage)

	// the failed activation is not cached
	refs, err := idx.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("dispose")
	opts.MaxEntriesPerBucket = 1
	st := lstore.NewLocalStore()
	idx := newSingle(t, opts, st)

	require.NoError(t, idx.Apply(ctx, player(1), Insert("a")))
	require.NoError(t, idx.Apply(ctx, player(2), Insert("b")))

	ok, err := idx.IsAvailable(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, idx.Dispose(ctx))

	ok, err = idx.IsAvailable(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.ErrorIs(t, idx.Apply(ctx, player(3), Insert("c")), ErrNotReady)
	_, err = idx.Lookup(ctx, "a")
	require.ErrorIs(t, err, ErrNotReady)

	// disposal is durable and covers the whole chain
	require.NoError(t, idx.Deactivate(ctx))
	_, err = idx.Lookup(ctx, "b")
	require.ErrorIs(t, err, ErrNotReady)
	b, err := idx.chains.bucket(ctx, 0, 1)
	require.NoError(t, err)
	assert.False(t, b.IsAvailable())
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// plainStore hides the Commit method of the wrapped store
type plainStore struct {
	store.IStore
}

func TestOptionsValidation(t *testing.T) {
	local := lstore.NewLocalStore()

	tests := []struct {
		name   string
		mutate func(*Options)
		store  store.IStore
		ok     bool
	}{
		{"defaults", func(*Options) {}, local, true},
		{"empty name", func(o *Options) { o.Name = "" }, local, false},
		{"no store", func(*Options) {}, nil, false},
		{"lazy unique", func(o *Options) { o.Unique, o.Eager = true, false }, local, false},
		{"lazy transactional", func(o *Options) { o.Transactional, o.Eager = true, false }, local, false},
		{"transactional without commit", func(o *Options) { o.Transactional = true }, plainStore{local}, false},
		{"transactional", func(o *Options) { o.Transactional = true }, local, true},
		{"negative capacity", func(o *Options) { o.MaxEntriesPerBucket = -1 }, local, false},
		{"nil codec", func(o *Options) { o.Codec = nil }, local, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions("cfg")
			tt.mutate(&opts)
			_, err := NewHashIndexSingleBucket[string](opts, tt.store)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestCodecs(t *testing.T) {
	for _, name := range codec.Names {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := codec.New(name)
			require.NoError(t, err)

			opts := testOptions("codec-" + name)
			opts.Codec = c
			idx, err := NewHashIndexSingleBucket[int](opts, lstore.NewLocalStore())
			require.NoError(t, err)

			require.NoError(t, idx.Apply(ctx, player(1), Insert(42)))
			require.NoError(t, idx.Apply(ctx, player(2), Insert(7).WithMode(ModeTentative)))
			require.NoError(t, idx.Deactivate(ctx))

			refs, err := idx.Lookup(ctx, 42)
			require.NoError(t, err)
			assert.Equal(t, []actor.Ref{player(1)}, refs)

			refs, err = idx.Lookup(ctx, 7)
			require.NoError(t, err)
			assert.Empty(t, refs, "tentative flag survives reload")
		})
	}
}

// --------------------------------------------------------------------------
// Partitioning, batches and jobs
// --------------------------------------------------------------------------

func TestPartitionedIndex(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("League")
	opts.MaxHashBuckets = 4
	idx, err := NewPartitionedIndex[string](opts, lstore.NewLocalStore())
	require.NoError(t, err)

	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, idx.Apply(ctx, player(i), Insert(fmt.Sprintf("league-%d", i))))
	}

	info, err := idx.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Chains)
	assert.Equal(t, n, info.Keys)

	// find two keys in different chains and move an actor between them
	from := "league-0"
	to := ""
	for i := 1; i < n; i++ {
		k := fmt.Sprintf("league-%d", i)
		if util.Partition(k, 4) != util.Partition(from, 4) {
			to = k
			break
		}
	}
	require.NotEmpty(t, to)

	require.NoError(t, idx.Apply(ctx, player(0), Update(from, to)))
	refs, err := idx.Lookup(ctx, from)
	require.NoError(t, err)
	assert.Empty(t, refs)
	refs, err = idx.Lookup(ctx, to)
	require.NoError(t, err)
	assert.Contains(t, refs, player(0))
}

func TestApplyBatch(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("batch")
	opts.MaxHashBuckets = 4
	st := storetest.Wrap(lstore.NewLocalStore())
	idx, err := NewPartitionedIndex[string](opts, st)
	require.NoError(t, err)

	updates := make(map[actor.Ref][]PropertyUpdate[string])
	for i := 0; i < 40; i++ {
		updates[player(i)] = []PropertyUpdate[string]{
			Insert(fmt.Sprintf("tmp-%d", i)),
			Update(fmt.Sprintf("tmp-%d", i), fmt.Sprintf("key-%d", i)),
		}
	}
	require.NoError(t, idx.ApplyBatch(ctx, updates))
	assert.LessOrEqual(t, st.Saves(), int64(8), "at most one write per chain and half")

	for i := 0; i < 40; i++ {
		refs, err := idx.Lookup(ctx, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{player(i)}, refs)
		refs, err = idx.Lookup(ctx, fmt.Sprintf("tmp-%d", i))
		require.NoError(t, err)
		assert.Empty(t, refs)
	}
}

func TestApplyBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("batch-unique")
	opts.Unique = true
	idx := newSingle(t, opts, lstore.NewLocalStore())

	require.NoError(t, idx.Apply(ctx, player(0), Insert("taken")))
	err := idx.ApplyBatch(ctx, map[actor.Ref][]PropertyUpdate[string]{
		player(1): {Insert("taken")},
		player(2): {Insert("free")},
	})
	require.ErrorIs(t, err, ErrConstraintViolation)

	ref, err := idx.LookupUnique(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, player(2), ref)
}

func TestApplyJobs(t *testing.T) {
	ctx := context.Background()
	st := lstore.NewLocalStore()
	location := newSingle(t, testOptions("jobs-location"), st)
	league := newSingle(t, testOptions("jobs-league"), st)

	jobs := []Job{
		Change[string]{Index: location, Ref: player(1), Update: Insert("Seattle")},
		Change[string]{Index: location, Ref: player(2), Update: Insert("Seattle")},
		Change[string]{Index: location, Ref: player(1), Update: Update("Seattle", "Portland")},
	}
	require.NoError(t, location.ApplyJobs(ctx, jobs))

	refs, err := location.Lookup(ctx, "Seattle")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(2)}, refs)

	// undo through the inverse jobs, newest first
	for i := len(jobs) - 1; i >= 0; i-- {
		require.NoError(t, jobs[i].Inverse().Apply(ctx))
	}
	info, err := location.Info(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.Keys)

	foreign := Change[string]{Index: league, Ref: player(1), Update: Insert("NBA")}
	err = location.ApplyJobs(ctx, []Job{foreign})
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, RetCInvalidOperation, code)

	assert.Equal(t, Target(league), foreign.Target())
	assert.Equal(t, player(1), foreign.Actor())
	assert.Equal(t, ModeTentative, foreign.WithMode(ModeTentative).(Change[string]).Update.Mode)
}

func TestLookupStream(t *testing.T) {
	ctx := context.Background()
	opts := testOptions("stream")
	opts.MaxEntriesPerBucket = 2
	idx := newSingle(t, opts, lstore.NewLocalStore())

	for i := 0; i < 6; i++ {
		require.NoError(t, idx.Apply(ctx, player(i), Insert(fmt.Sprintf("k%d", i))))
	}
	require.NoError(t, idx.Apply(ctx, player(10), Insert("k5")))

	obs := &CollectObserver{}
	require.NoError(t, idx.LookupStream(ctx, "k5", obs))
	refs, batches, completed := obs.Result()
	assert.Equal(t, []actor.Ref{player(10), player(5)}, refs)
	assert.Equal(t, 1, batches)
	assert.True(t, completed)

	obs = &CollectObserver{}
	require.NoError(t, idx.LookupStream(ctx, "nope", obs))
	refs, batches, completed = obs.Result()
	assert.Empty(t, refs)
	assert.Zero(t, batches)
	assert.True(t, completed, "an exhausted chain completes the stream")

	ch := NewChanObserver(1)
	require.NoError(t, idx.LookupStream(ctx, "k0", ch))
	var got []actor.Ref
	for batch := range ch.C {
		got = append(got, batch...)
	}
	assert.Equal(t, []actor.Ref{player(0)}, got)
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

func newTransactional(t *testing.T, name string, st store.ITransactionalStore) *HashIndexSingleBucket[string] {
	t.Helper()
	opts := testOptions(name)
	opts.Transactional = true
	opts.MaxEntriesPerBucket = 2
	return newSingle(t, opts, st)
}

func TestTransactionalAbort(t *testing.T) {
	ctx := context.Background()
	st := storetest.Wrap(lstore.NewLocalStore())
	idx := newTransactional(t, "tx-abort", st)

	require.NoError(t, idx.Apply(ctx, player(1), Insert("a")))
	assert.EqualValues(t, 1, st.Commits())
	assert.Zero(t, st.Saves(), "transactional buckets only write through commits")

	boom := errors.New("boom")
	err := txn.Run(ctx, st, func(ctx context.Context) error {
		// spans three buckets of the chain
		for i, key := range []string{"b", "c", "d"} {
			require.NoError(t, idx.Apply(ctx, player(i+2), Insert(key)))
		}
		require.NoError(t, idx.Apply(ctx, player(1), Update("a", "z")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	check := func() {
		refs, err := idx.Lookup(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{player(1)}, refs)
		for _, key := range []string{"b", "c", "d", "z"} {
			refs, err := idx.Lookup(ctx, key)
			require.NoError(t, err)
			assert.Empty(t, refs, key)
		}
	}
	check()
	require.NoError(t, idx.Deactivate(ctx))
	check()

	code, ok := CodeOf(idx.Dispose(ctx))
	require.True(t, ok)
	assert.Equal(t, RetCInvalidOperation, code)
}

func TestTransactionalCommitAndIsolation(t *testing.T) {
	ctx := context.Background()
	st := lstore.NewLocalStore()
	idx := newTransactional(t, "tx-commit", st)

	tx := txn.Begin(st)
	tctx := txn.WithTx(ctx, tx)
	require.NoError(t, idx.Apply(tctx, player(1), Insert("a")))
	require.NoError(t, idx.Apply(tctx, player(2), Insert("b")))
	require.NoError(t, idx.Apply(tctx, player(3), Insert("c")))

	// the transaction sees its own writes
	refs, err := idx.Lookup(tctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(3)}, refs)

	// others wait for the commit
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = idx.Lookup(short, "a")
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan []actor.Ref)
	go func() {
		refs, err := idx.Lookup(ctx, "a")
		assert.NoError(t, err)
		done <- refs
	}()

	require.NoError(t, tx.Commit(ctx))
	select {
	case refs := <-done:
		assert.Equal(t, []actor.Ref{player(1)}, refs)
	case <-time.After(time.Second):
		t.Fatal("lookup did not resume after commit")
	}

	require.NoError(t, idx.Deactivate(ctx))
	for i, key := range []string{"a", "b", "c"} {
		refs, err := idx.Lookup(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []actor.Ref{player(i + 1)}, refs)
	}
}

func TestTransactionalCommitFailure(t *testing.T) {
	ctx := context.Background()
	st := storetest.Wrap(lstore.NewLocalStore())
	idx := newTransactional(t, "tx-fail", st)

	st.FailNext(storetest.OpCommit, "", 1, nil)
	err := idx.Apply(ctx, player(1), Insert("a"))
	require.ErrorIs(t, err, store.ErrUnavailable)

	refs, err := idx.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, refs, "a failed commit rolls the bucket back")

	require.NoError(t, idx.Apply(ctx, player(1), Insert("a")))
	refs, err = idx.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []actor.Ref{player(1)}, refs)
}
