// Package txn provides the ambient transaction transactional indexes join.
//
// A transaction travels in the context. Resources that take part (an actor's
// state, every bucket touched along a chain) enlist once as a Participant and
// hold an exclusive ResourceLock until the transaction ends. Commit collects the
// writes of all participants and hands them to one store Commit, so the actor
// state and all bucket states become durable together or not at all. On abort
// every participant restores its in-memory snapshot.
//
//	err := txn.Run(ctx, st, func(ctx context.Context) error {
//	    return team.PerformUpdate(ctx, func(s *Team) error { s.Location = "Seattle"; return nil })
//	})
//
// Run joins a transaction already present in ctx, otherwise it creates one and
// commits it when fn returns nil.
package txn
