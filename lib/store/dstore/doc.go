// Package dstore implements a store replicated through the Dragonboat raft
// library.
//
// Architecture:
//
//   - Store Client: implements store.ITransactionalStore. Writes are serialized into
//     commands (see internal) and proposed with SyncPropose, reads use SyncRead.
//     ErrSystemBusy is retried a few times with a short pause.
//
//   - RecordStateMachine: a Dragonboat IConcurrentStateMachine. It keeps every record
//     with the raft log index that last wrote it, the index is the record's ETag.
//     A command is checked against all expected ETags before anything is applied,
//     so a Commit command is atomic on every replica.
//
// Snapshots copy the record map in PrepareSnapshot and write it as gob.
package dstore
