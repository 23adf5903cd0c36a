package lockmgr

import (
	"bytes"
	"context"
	"time"

	"github.com/ValentinKolb/dIdx/lib/store"
)

type lockMgrImpl struct {
	store store.IStore
	now   func() time.Time
}

func NewLockManager(st store.IStore) ILockManager {
	return &lockMgrImpl{
		store: st,
		now:   time.Now,
	}
}

func (lm *lockMgrImpl) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	l := lease{owner: ownerID}
	if ttl > 0 {
		l.expires = lm.now().Add(ttl).UnixNano()
	}

	// try to create the lease (only one requester can create a missing key)
	_, err = lm.store.Save(ctx, key, l.encode(), "")
	if err == nil {
		return true, ownerID, nil
	}
	if !store.IsConflict(err) {
		return false, nil, err
	}

	// the lease exists, take it over if it has expired
	rec, found, err := lm.store.Load(ctx, key)
	if err != nil {
		return false, nil, err
	}
	etag := ""
	if found {
		current, err := decodeLease(rec.Value)
		if err == nil && !current.expired(lm.now()) {
			return false, nil, nil
		}
		etag = rec.ETag
	}

	_, err = lm.store.Save(ctx, key, l.encode(), etag)
	if store.IsConflict(err) {
		// someone else was faster
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(ctx context.Context, key string, ownerID []byte) (bool, error) {
	rec, found, err := lm.store.Load(ctx, key)
	if err != nil || !found {
		return err == nil, err
	}

	current, err := decodeLease(rec.Value)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(ownerID, current.owner) {
		return false, nil
	}

	err = lm.store.Delete(ctx, key, rec.ETag)
	if store.IsConflict(err) {
		// the lease changed hands after it expired
		return false, nil
	}
	return err == nil, err
}
