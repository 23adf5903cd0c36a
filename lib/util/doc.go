// Package util holds small building blocks shared by the index engine.
//
// The package contains:
//   - hash: stable hashing of index keys onto hash buckets
//   - statistics: summary statistics used for chain-length and benchmark reports
//   - lockfreempsc: a lock-free multi-producer single-consumer queue that hands out
//     batches, used by the lazy workflow queue
package util
