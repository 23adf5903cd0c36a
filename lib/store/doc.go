// Package store defines the durable storage contract the index engine persists
// actor state and bucket state through.
//
// Every record carries an ETag. Writes name the ETag they expect to replace and
// fail with RetCConflict when another writer got there first, which gives every
// backend optimistic concurrency without locks held across calls.
//
// Key Components:
//
//   - IStore: single-record Load/Save/Delete with ETag checks.
//   - ITransactionalStore: IStore plus Commit, which applies a set of writes
//     all-or-nothing. Transactional indexes require it.
//   - Error: typed error codes, usable with errors.Is against the Err* sentinels.
//
// Implementations:
//
//   - lstore: in-memory, single process. Both interfaces.
//   - bstore: a bbolt file, single process, survives restarts. Both interfaces.
//   - dstore: replicated through Dragonboat raft. IStore only.
//
// The conformance suite in lib/store/testing runs against every implementation.
package store
