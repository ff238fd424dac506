package store

import (
	"errors"
	"fmt"
)

// ErrBatchNotOrdered is returned when an append batch is not strictly
// ascending by seq. The batch is rejected in full.
var ErrBatchNotOrdered = errors.New("append batch must be strictly ascending by seq")

// ErrInvalidOrigin is returned when an event in an append batch carries an
// origin outside the known set. The batch is rejected in full.
var ErrInvalidOrigin = errors.New("event origin must be client or server")

// QuotaExceededError is returned when applying a batch would push
// used_storage_size above max_storage_size.
//
// Never retried automatically: the caller must prune or compact before
// resubmitting. Stats are untouched when this error is returned.
type QuotaExceededError struct {
	ObjectID  string // The actor whose quota would be exceeded
	Used      int64  // Current usage in bytes
	Max       int64  // Quota ceiling in bytes
	BatchSize int64  // Bytes the rejected batch would have added
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded for %s: %d used + %d batch > %d max",
		e.ObjectID, e.Used, e.BatchSize, e.Max)
}

// IsQuotaExceeded returns true if the error is a QuotaExceededError.
// Uses errors.As to handle wrapped errors.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// NotFoundError is returned when the referenced ObjectID has no stored state.
// Surfaced directly, never retried.
type NotFoundError struct {
	ObjectID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no store for object %s", e.ObjectID)
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StorageError is returned when the underlying backend fails after the
// store's bounded retries are exhausted.
type StorageError struct {
	Op       string // The failing operation ("append", "read_since", ...)
	Attempts int    // How many attempts were made before giving up
	Err      error  // The last backend error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

// Unwrap exposes the underlying backend error for errors.Is/As chains.
func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError returns true if the error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
