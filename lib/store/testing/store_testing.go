package testing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a fresh, empty store for a single test
type StoreFactory func(t *testing.T) store.IStore

// RunStoreTests runs the conformance suite for a store implementation.
func RunStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory(t))
		})

		t.Run("ETagConflicts", func(t *testing.T) {
			testETagConflicts(t, factory(t))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory(t))
		})

		t.Run("ValueIsolation", func(t *testing.T) {
			testValueIsolation(t, factory(t))
		})

		t.Run("ConcurrentCAS", func(t *testing.T) {
			testConcurrentCAS(t, factory(t))
		})

		t.Run("Commit", func(t *testing.T) {
			testCommit(t, factory(t))
		})

		t.Run("CommitAtomicity", func(t *testing.T) {
			testCommitAtomicity(t, factory(t))
		})

		t.Run("CanceledContext", func(t *testing.T) {
			testCanceledContext(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// requireTransactional skips the test if the store cannot commit atomically
func requireTransactional(t testing.TB, s store.IStore) store.ITransactionalStore {
	ts, ok := s.(store.ITransactionalStore)
	if !ok {
		t.Skip("store is not transactional")
	}
	return ts
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSaveLoad(t *testing.T, s store.IStore) {
	ctx := context.Background()

	_, found, err := s.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	etag, err := s.Save(ctx, "key", []byte("value"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	rec, found, err := s.Load(ctx, "key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value"), rec.Value)
	assert.Equal(t, etag, rec.ETag)

	etag2, err := s.Save(ctx, "key", []byte("value2"), etag)
	require.NoError(t, err)
	assert.NotEqual(t, etag, etag2, "every write must produce a new etag")

	rec, _, err = s.Load(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value2"), rec.Value)

	assert.GreaterOrEqual(t, s.GetInfo().Keys, uint64(1))
}

func testETagConflicts(t *testing.T, s store.IStore) {
	ctx := context.Background()

	etag, err := s.Save(ctx, "key", []byte("v1"), "")
	require.NoError(t, err)

	// create-only on an existing key
	_, err = s.Save(ctx, "key", []byte("v2"), "")
	assert.True(t, store.IsConflict(err), "expected conflict, got %v", err)

	// stale etag
	_, err = s.Save(ctx, "key", []byte("v2"), etag+"0")
	assert.True(t, store.IsConflict(err), "expected conflict, got %v", err)

	// update of a missing key
	_, err = s.Save(ctx, "other", []byte("v"), etag)
	assert.True(t, store.IsConflict(err), "expected conflict, got %v", err)

	rec, _, err := s.Load(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Value, "failed writes must not change the record")
}

func testDelete(t *testing.T, s store.IStore) {
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "missing", ""))

	etag, err := s.Save(ctx, "key", []byte("v"), "")
	require.NoError(t, err)

	assert.True(t, store.IsConflict(s.Delete(ctx, "key", "")))
	require.NoError(t, s.Delete(ctx, "key", etag))

	_, found, err := s.Load(ctx, "key")
	require.NoError(t, err)
	assert.False(t, found)

	// the key can be created again
	_, err = s.Save(ctx, "key", []byte("again"), "")
	assert.NoError(t, err)
}

func testValueIsolation(t *testing.T, s store.IStore) {
	ctx := context.Background()

	value := []byte("original")
	_, err := s.Save(ctx, "key", value, "")
	require.NoError(t, err)
	value[0] = 'X'

	rec, _, err := s.Load(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), rec.Value, "store must copy values on save")

	rec.Value[0] = 'Y'
	rec2, _, err := s.Load(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), rec2.Value, "store must copy values on load")
}

// testConcurrentCAS increments a counter from many goroutines with a
// load-modify-save loop, no increment may be lost.
func testConcurrentCAS(t *testing.T, s store.IStore) {
	ctx := context.Background()
	const workers = 8
	const increments = 25

	_, err := s.Save(ctx, "counter", []byte("0"), "")
	require.NoError(t, err)

	var conflicts atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				for {
					rec, _, err := s.Load(ctx, "counter")
					if err != nil {
						t.Errorf("load: %v", err)
						return
					}
					var n int
					fmt.Sscanf(string(rec.Value), "%d", &n)
					_, err = s.Save(ctx, "counter", []byte(fmt.Sprint(n+1)), rec.ETag)
					if err == nil {
						break
					}
					if !store.IsConflict(err) {
						t.Errorf("save: %v", err)
						return
					}
					conflicts.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	rec, _, err := s.Load(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(workers*increments), string(rec.Value))
	t.Logf("%d conflicts retried", conflicts.Load())
}

func testCommit(t *testing.T, s store.IStore) {
	ts := requireTransactional(t, s)
	ctx := context.Background()

	etagA, err := ts.Save(ctx, "a", []byte("1"), "")
	require.NoError(t, err)

	etags, err := ts.Commit(ctx, []store.Write{
		{Key: "a", Value: []byte("2"), ETag: etagA},
		{Key: "b", Value: []byte("new")},
	})
	require.NoError(t, err)
	require.Len(t, etags, 2)

	rec, _, err := ts.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), rec.Value)
	assert.Equal(t, etags[0], rec.ETag)

	rec, _, err = ts.Load(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, etags[1], rec.ETag)

	_, err = ts.Commit(ctx, []store.Write{{Key: "b", ETag: etags[1], Delete: true}})
	require.NoError(t, err)
	_, found, err := ts.Load(ctx, "b")
	require.NoError(t, err)
	assert.False(t, found)
}

func testCommitAtomicity(t *testing.T, s store.IStore) {
	ts := requireTransactional(t, s)
	ctx := context.Background()

	etagA, err := ts.Save(ctx, "a", []byte("1"), "")
	require.NoError(t, err)

	_, err = ts.Commit(ctx, []store.Write{
		{Key: "a", Value: []byte("2"), ETag: etagA},
		{Key: "c", Value: []byte("x")},
		{Key: "a-missing", Value: []byte("y"), ETag: "12345"},
	})
	require.True(t, store.IsConflict(err), "expected conflict, got %v", err)

	rec, _, err := ts.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), rec.Value)
	assert.Equal(t, etagA, rec.ETag)

	_, found, err := ts.Load(ctx, "c")
	require.NoError(t, err)
	assert.False(t, found, "no write of a failed commit may be visible")
}

func testCanceledContext(t *testing.T, s store.IStore) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Save(ctx, "key", []byte("v"), "")
	assert.Error(t, err)

	_, found, _ := s.Load(context.Background(), "key")
	assert.False(t, found)
}
