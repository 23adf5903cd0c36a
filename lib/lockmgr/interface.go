package lockmgr

import (
	"context"
	"time"
)

// ILockManager defines the interface for a lease provider.
type ILockManager interface {
	// AcquireLock acquires the lease for key for the duration ttl (0 = no expiry).
	// Returns whether the lease was acquired and the owner ID needed to release it.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lease for key.
	// Returns true if the lease was released or did not exist.
	ReleaseLock(ctx context.Context, key string, ownerID []byte) (ok bool, err error)
}
