// Package actor is the small slice of an actor runtime the index engine needs:
// typed references, a context-aware turn lock that gives an actor a single
// logical thread of control, and a directory that guarantees a single
// activation per key.
package actor
