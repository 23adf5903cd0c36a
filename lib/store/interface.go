package store

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Record is a stored value together with the ETag of its current version.
type Record struct {
	Value []byte
	ETag  string
}

// Write is a single mutation inside a transactional commit.
// ETag is the version the write expects to replace ("" means the key must not exist).
type Write struct {
	Key    string
	Value  []byte
	ETag   string
	Delete bool
}

// Info describes a store instance.
type Info struct {
	Backend       string `json:"backend"`
	Keys          uint64 `json:"keys"`
	Transactional bool   `json:"transactional"`
}

// IStore is the interface of a versioned key-value store.
type IStore interface {
	// Load returns the record stored under key. The boolean reports whether the key exists.
	Load(ctx context.Context, key string) (rec Record, found bool, err error)
	// Save stores value under key if the current version matches etag and returns the new ETag.
	// An empty etag requires that the key does not exist yet.
	Save(ctx context.Context, key string, value []byte, etag string) (newETag string, err error)
	// Delete removes key if its current version matches etag.
	// Deleting a missing key with an empty etag succeeds.
	Delete(ctx context.Context, key string, etag string) error
	// GetInfo returns metadata about the store. It is not guaranteed to be up-to-date.
	GetInfo() Info
}

// ITransactionalStore is a store that can apply several writes atomically.
type ITransactionalStore interface {
	IStore
	// Commit applies all writes or none. Each write is checked against its ETag.
	// The returned ETags are in the order of the writes ("" for deletes).
	Commit(ctx context.Context, writes []Write) (etags []string, err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Is reports whether target is a store error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Sentinels for errors.Is
var (
	ErrConflict    = NewError(RetCConflict, "etag mismatch")
	ErrUnavailable = NewError(RetCUnavailable, "store unavailable")
)

// IsConflict reports whether err is an ETag conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the backend.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCConflict                            // 4: The expected ETag does not match the stored version.
	RetCUnavailable                         // 5: The backend cannot be reached right now.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCConflict:
		return "Conflict"
	case RetCUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// Conflictf builds a conflict error for key.
func Conflictf(key, expected, actual string) *Error {
	return NewError(RetCConflict, fmt.Sprintf("key %q: expected etag %q, found %q", key, expected, actual))
}
