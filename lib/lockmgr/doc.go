// Package lockmgr implements leases on top of any store.IStore.
//
// The index engine uses a lease per activated bucket so that two processes
// sharing one store never activate the same bucket at the same time.
//
// The lock manager keeps no state of its own, everything lives in the store,
// so any number of managers may be created on the same store.
//
// Implementation Approach:
//
//   - Acquisition creates the lease record with an empty expected ETag, which only
//     one requester can win. The record holds a random owner ID and an expiry time.
//   - An expired lease is taken over with a conditional Save against the ETag that
//     was read, so two requesters racing for an expired lease cannot both win.
//   - Release reads the record, compares the owner ID and deletes with the read ETag.
//
// Usage Example:
//
//	mgr := lockmgr.NewLockManager(st)
//	ok, owner, err := mgr.AcquireLock(ctx, "lease/index/Location/0/0", 30*time.Second)
//	if err == nil && ok {
//	    defer mgr.ReleaseLock(ctx, "lease/index/Location/0/0", owner)
//	}
package lockmgr
