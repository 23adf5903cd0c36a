/*
Package index implements hash indexes over actor properties.

An index maps a property value (the key) to the set of actors whose property
currently has that value. Keys are routed to a chain of buckets: a single chain
for HashIndexSingleBucket, or one chain per key hash partition for
PartitionedIndex. Each bucket holds at most Options.MaxEntriesPerBucket keys;
when the tail of a chain is full a new bucket is appended and the key is created
there. A key lives in exactly one bucket of its chain.

Buckets persist their state to a store.IStore under "index/<name>/<partition>/<pos>".
Concurrent updates of one bucket are persisted together by a group commit, failed
writes are retried with a constant backoff.

Indexes created with Options.Transactional join the transaction carried in the
context (see package txn) and persist as part of its commit.

Errors returned by this package are of type *Error and can be matched with
errors.Is against ErrNotReady, ErrConstraintViolation and the other sentinels.
*/
package index
