/*
Package facet keeps an actor's state and the indexes over it in sync.

An actor type declares its indexed properties with Property, groups them into
IndexedTypes and collects those in a Registry. Each activated actor owns one
facet, which runs every state change through PerformUpdate:

  - TransactionalState writes the state and all bucket changes in one
    transaction. Either everything becomes visible or nothing does.
  - WorkflowState writes the state first and then updates the indexes. New
    values of unique indexes are reserved tentatively before the state is
    written, so a constraint violation never reaches the store.
  - FaultTolerantState additionally records every update as a workflow in the
    actor state and replays unconfirmed workflows on activation.

Lazy indexes are updated through a workflow.Queue and are only supported by the
workflow facets.
*/
package facet
