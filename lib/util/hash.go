package util

import "fmt"

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// UintKey is the hashed representation of an index key.
type UintKey uint64

// HashString generates a hash value for a string with a seed.
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution.
// The result must be stable across processes since it decides which hash bucket
// persists a key, so callers that place data use seed 0.
func HashString(s string, seed uint64) UintKey {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed

	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}

	return UintKey(hash)
}

// HashKey hashes any comparable key through its default formatting.
func HashKey[K comparable](key K) UintKey {
	if s, ok := any(key).(string); ok {
		return HashString(s, 0)
	}
	return HashString(fmt.Sprintf("%v", key), 0)
}

// Partition maps a key onto one of n partitions. For n <= 0 the full hash is the
// partition, which gives every distinct hash its own chain.
func Partition[K comparable](key K, n int) uint64 {
	h := uint64(HashKey(key))
	if n <= 0 {
		return h
	}
	return h % uint64(n)
}
