// Package storage holds the event, alert and incident stores and the
// analytics mirror.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Error kinds. Every store error wraps exactly one of these, so callers
// branch with errors.Is.
var (
	// ErrUnavailable is transient. Retry with backoff.
	ErrUnavailable = errors.New("storage: unavailable")
	// ErrConnectionFailed always travels with ErrUnavailable.
	ErrConnectionFailed = errors.New("storage: connection failed")
	ErrQueryFailed      = errors.New("storage: query failed")
	ErrNotFound         = errors.New("storage: not found")
	ErrInvalidData      = errors.New("storage: invalid data")
	ErrClosed           = errors.New("storage: store closed")
)

// StorageError records where a store error happened.
type StorageError struct {
	Op    string
	Table string
	Err   error
	// Retries is set by Retry when it gives up.
	Retries int
}

func (e *StorageError) Error() string {
	where := "storage." + e.Op
	if e.Table != "" {
		where += "(" + e.Table + ")"
	}
	return where + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op, table string, err error) *StorageError {
	return &StorageError{Op: op, Table: table, Err: err}
}

// wrap tags cause with kind. The cause's own chain is flattened so that
// driver errors never match the storage kinds by accident.
func wrap(op, table string, kind, cause error) error {
	return NewStorageError(op, table, fmt.Errorf("%w: %v", kind, cause))
}

func WrapUnavailable(op, table string, err error) error {
	return wrap(op, table, ErrUnavailable, err)
}

// WrapConnectionError marks a failed connect or ping. It is retryable.
func WrapConnectionError(op string, err error) error {
	return NewStorageError(op, "", fmt.Errorf("%w: %w: %v", ErrUnavailable, ErrConnectionFailed, err))
}

func WrapQueryError(op, table string, err error) error {
	return wrap(op, table, ErrQueryFailed, err)
}

func WrapNotFoundError(op, table, id string) error {
	return NewStorageError(op, table, fmt.Errorf("%w: id=%s", ErrNotFound, id))
}

func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable reports whether another attempt might succeed.
func IsRetryable(err error) bool {
	return IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}

func formatInt(id int64) string {
	return strconv.FormatInt(id, 10)
}
