package index

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type of the index engine. Code tells callers how to react,
// Err carries the underlying cause if there is one.
type Error struct {
	Code RetCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("IndexError (code %s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("IndexError (code %s): %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any index error with the same code, so errors.Is(err, ErrNotReady) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an index error.
func NewError(code RetCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Errorf creates an index error without a cause.
func Errorf(code RetCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is
var (
	ErrConfiguration       = Errorf(RetCConfiguration, "invalid index configuration")
	ErrNotReady            = Errorf(RetCNotReady, "bucket is not available")
	ErrConstraintViolation = Errorf(RetCConstraintViolation, "unique constraint violated")
	ErrTransientStorage    = Errorf(RetCTransientStorage, "storage failure")
	ErrConsistencyAnomaly  = Errorf(RetCConsistencyAnomaly, "index is inconsistent")
	ErrKeyNotFound         = Errorf(RetCKeyNotFound, "key not found")
)

// CodeOf returns the code of the first index error in err's chain.
func CodeOf(err error) (RetCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return RetCSuccess, false
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint8

const (
	RetCSuccess             RetCode = iota // 0: no error
	RetCConfiguration                      // 1: invalid setup, fatal
	RetCNotReady                           // 2: bucket not available, retryable
	RetCConstraintViolation                // 3: unique index already holds another actor for the key
	RetCTransientStorage                   // 4: persistence failed after all retries
	RetCConsistencyAnomaly                 // 5: tentative or duplicated entry seen by a unique lookup
	RetCKeyNotFound                        // 6: unique lookup found no entry
	RetCInvalidOperation                   // 7: operation not supported in this mode
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCConfiguration:
		return "Configuration"
	case RetCNotReady:
		return "NotReady"
	case RetCConstraintViolation:
		return "ConstraintViolation"
	case RetCTransientStorage:
		return "TransientStorage"
	case RetCConsistencyAnomaly:
		return "ConsistencyAnomaly"
	case RetCKeyNotFound:
		return "KeyNotFound"
	case RetCInvalidOperation:
		return "InvalidOperation"
	default:
		return "Unknown"
	}
}
