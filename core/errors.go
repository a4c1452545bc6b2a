package core

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed
	// pager, transaction, or engine.
	ErrClosed = errors.New("storage is closed")
	// ErrCorrupted indicates a block failed checksum or decode validation.
	ErrCorrupted = errors.New("block corrupted")
	// ErrKeyNotFound is returned by point lookups for missing or deleted keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrShutdownRequested is the internal unwind marker for cooperative
	// cancellation. It is never surfaced through DoneFunc; the traversal
	// translates it into BackfillCancelled.
	ErrShutdownRequested = errors.New("shutdown requested")
)

// StorageFaultError wraps an unreadable or corrupt block. It is fatal to the
// whole backfill; retry policy, if any, belongs to the caller.
type StorageFaultError struct {
	BlockID BlockID
	Op      string // e.g. "read", "decompress", "decode"
	Err     error
}

func (e *StorageFaultError) Error() string {
	return fmt.Sprintf("storage fault: %s block %d: %v", e.Op, e.BlockID, e.Err)
}

func (e *StorageFaultError) Unwrap() error { return e.Err }

// NewStorageFault wraps err as a StorageFaultError for the given block.
func NewStorageFault(id BlockID, op string, err error) error {
	return &StorageFaultError{BlockID: id, Op: op, Err: err}
}

// IsStorageFault checks if an error is (or wraps) a StorageFaultError.
func IsStorageFault(err error) bool {
	var sf *StorageFaultError
	return errors.As(err, &sf)
}

// InvariantError reports a programming-level defect (a handle used after
// release, the live-block count exceeding its ceiling, an acquire/release
// imbalance at drain). It is distinct from storage and user-facing faults
// and is never retried.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Message)
}

// NewInvariantError reports a violated internal invariant.
func NewInvariantError(format string, args ...interface{}) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// IsInvariantError checks if an error is an InvariantError.
func IsInvariantError(err error) bool {
	var iv *InvariantError
	return errors.As(err, &iv)
}
