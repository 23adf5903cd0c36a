package bstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dIdx/lib/store"
	storetesting "github.com/ValentinKolb/dIdx/lib/store/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	return s
}

func TestBoltStore(t *testing.T) {
	storetesting.RunStoreTests(t, "bstore", func(t *testing.T) store.IStore {
		s := open(t, filepath.Join(t.TempDir(), "didx.db"))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "didx.db")

	s := open(t, path)
	etag, err := s.Save(ctx, "actor/Team/1", []byte("state"), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open(t, path)
	defer s.Close()

	rec, found, err := s.Load(ctx, "actor/Team/1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("state"), rec.Value)
	assert.Equal(t, etag, rec.ETag)

	// the sequence continues after reopening, etags never repeat
	etag2, err := s.Save(ctx, "actor/Team/1", []byte("state2"), etag)
	require.NoError(t, err)
	assert.NotEqual(t, etag, etag2)
}
