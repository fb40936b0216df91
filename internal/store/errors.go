package store

import (
	"errors"
	"fmt"
)

// Storage error types for categorizing failures.
var (
	// ErrConnectionFailed indicates a failure to connect to the backend.
	ErrConnectionFailed = errors.New("store: connection failed")

	// ErrAppendFailed indicates a record append failure.
	ErrAppendFailed = errors.New("store: append failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("store: query failed")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")

	// ErrChainBroken indicates the tamper-evidence hash chain does not
	// verify.
	ErrChainBroken = errors.New("store: hash chain broken")
)

// StorageError wraps storage errors with the failing operation.
type StorageError struct {
	Op  string // operation that failed (e.g. "Append", "Query")
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, kind, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", kind, err)}
}
