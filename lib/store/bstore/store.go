// Package bstore implements a single-process store on top of a bbolt file.
//
// Every value is stored with an 8 byte big endian version prefix taken from the
// bucket sequence, the version is the record's ETag. Commit runs all writes in one
// bbolt read-write transaction, so bstore implements store.ITransactionalStore.
package bstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/dIdx/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	bolt "go.etcd.io/bbolt"
)

var (
	log        = logger.GetLogger("store")
	bucketName = []byte("didx")
)

// Store is a bbolt backed store.ITransactionalStore.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, store.NewError(store.RetCUnavailable, fmt.Sprintf("open %s: %v", path, err))
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, store.NewError(store.RetCInternalError, err.Error())
	}
	log.Infof("opened bolt store at %s", path)
	return &Store{db: db, path: path}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func decode(raw []byte) (uint64, []byte) {
	return binary.BigEndian.Uint64(raw[:8]), raw[8:]
}

func encode(version uint64, value []byte) []byte {
	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], version)
	copy(raw[8:], value)
	return raw
}

func currentETag(b *bolt.Bucket, key string) string {
	raw := b.Get([]byte(key))
	if raw == nil {
		return ""
	}
	version, _ := decode(raw)
	return strconv.FormatUint(version, 10)
}

// apply performs a checked write inside an open bolt transaction.
func apply(b *bolt.Bucket, w store.Write) (string, error) {
	if current := currentETag(b, w.Key); current != w.ETag {
		return "", store.Conflictf(w.Key, w.ETag, current)
	}
	if w.Delete {
		return "", b.Delete([]byte(w.Key))
	}
	version, err := b.NextSequence()
	if err != nil {
		return "", err
	}
	if err := b.Put([]byte(w.Key), encode(version, w.Value)); err != nil {
		return "", err
	}
	return strconv.FormatUint(version, 10), nil
}

// wrap keeps store errors and turns everything else into internal errors
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*store.Error); ok {
		return err
	}
	return store.NewError(store.RetCInternalError, err.Error())
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Load(ctx context.Context, key string) (store.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, false, err
	}
	var rec store.Record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		version, value := decode(raw)
		// bolt memory is only valid inside the transaction
		rec = store.Record{Value: append([]byte(nil), value...), ETag: strconv.FormatUint(version, 10)}
		found = true
		return nil
	})
	return rec, found, wrap(err)
}

func (s *Store) Save(ctx context.Context, key string, value []byte, etag string) (string, error) {
	etags, err := s.Commit(ctx, []store.Write{{Key: key, Value: value, ETag: etag}})
	if err != nil {
		return "", err
	}
	return etags[0], nil
}

func (s *Store) Delete(ctx context.Context, key string, etag string) error {
	_, err := s.Commit(ctx, []store.Write{{Key: key, ETag: etag, Delete: true}})
	return err
}

func (s *Store) Commit(ctx context.Context, writes []store.Write) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	etags := make([]string, len(writes))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for i, w := range writes {
			etag, err := apply(b, w)
			if err != nil {
				// returning an error rolls back the whole bolt transaction
				return err
			}
			etags[i] = etag
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return etags, nil
}

func (s *Store) GetInfo() store.Info {
	info := store.Info{Backend: "bolt", Transactional: true}
	_ = s.db.View(func(tx *bolt.Tx) error {
		info.Keys = uint64(tx.Bucket(bucketName).Stats().KeyN)
		return nil
	})
	return info
}

var _ store.ITransactionalStore = (*Store)(nil)
