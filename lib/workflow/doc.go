/*
Package workflow holds what non-transactional index maintenance needs besides the
indexes themselves: the records a fault-tolerant actor keeps about index updates
it has started, and the queue lazy indexes are updated through.

A Queue collects the jobs of many actors and applies them in batches, one
ApplyJobs call per index per batch. Callers learn the outcome of their own jobs
through Task.Done.
*/
package workflow
