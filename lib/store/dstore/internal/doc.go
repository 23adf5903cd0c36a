// Package internal holds the wire format between the dstore client and the
// replicated state machine.
//
// Command Format:
//
//	- 1 byte: command type (Save, Delete, Commit)
//	- 4 bytes: number of writes (uint32, big endian)
//	- per write:
//	  - 1 byte: flags (bit 0 = delete)
//	  - 4 bytes + N bytes: key
//	  - 4 bytes + N bytes: expected etag
//	  - 4 bytes + N bytes: value
//
// Queries are executed locally on the state machine and are never serialized.
package internal
