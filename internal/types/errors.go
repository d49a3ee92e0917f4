package types

import (
	"errors"
	"fmt"
)

var (
	ErrBlockAlreadyExists = errors.New("block already exists")
	ErrBlockDoesNotExist  = errors.New("block does not exist")
	ErrInvalidWorkerState = errors.New("invalid worker state")
	ErrWorkerOutOfSpace   = errors.New("worker out of space")
	ErrDeadlineExceeded   = errors.New("deadline exceeded")
	ErrIOFailure          = errors.New("i/o failure")

	// ErrUfsReadConcurrency is returned when a pass-through read would exceed the
	// concurrency ceiling of its UFS path. Callers back off and retry.
	ErrUfsReadConcurrency = errors.New("too many concurrent ufs readers")

	// ErrStaleMountTable is returned when a request carries a mount table version older
	// than the mount it resolves to. Callers re-resolve the path and retry.
	ErrStaleMountTable = fmt.Errorf("%w: stale mount table", ErrInvalidWorkerState)
)

// IOFailure wraps an underlying storage or UFS error so that it matches both
// ErrIOFailure and the original cause.
func IOFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}
