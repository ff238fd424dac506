package scheduler

import (
	"errors"
	"fmt"
)

// ErrUnknownTag is returned when no plan is registered for a request's tag.
var ErrUnknownTag = errors.New("no resource plan registered for tag")

// NotReadyError is returned for work submitted before Init has completed.
// Not retried by the pool: the caller must wait for initialization.
type NotReadyError struct {
	State State // The pool state at submission time
}

// Error implements the error interface.
func (e *NotReadyError) Error() string {
	return fmt.Sprintf("scheduler pool not ready (state %s)", e.State)
}

// IsNotReady returns true if the error is a NotReadyError.
// Uses errors.As to handle wrapped errors.
func IsNotReady(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}

// ShuttingDownError is returned for work submitted after shutdown began.
// In-flight invokes still drain; only new submissions are rejected.
type ShuttingDownError struct{}

// Error implements the error interface.
func (e *ShuttingDownError) Error() string {
	return "scheduler pool is shutting down"
}

// IsShuttingDown returns true if the error is a ShuttingDownError.
func IsShuttingDown(err error) bool {
	var sd *ShuttingDownError
	return errors.As(err, &sd)
}

// BackpressureError is returned when a plan's queue bound is exceeded.
// The caller should shed load or retry with backoff.
type BackpressureError struct {
	Tag     string // The plan whose queue is full
	Bound   int    // The configured queue bound
	Pending int    // Requests queued when the submission was rejected
}

// Error implements the error interface.
func (e *BackpressureError) Error() string {
	return fmt.Sprintf("queue for plan %q is full (%d/%d pending)", e.Tag, e.Pending, e.Bound)
}

// IsBackpressure returns true if the error is a BackpressureError.
func IsBackpressure(err error) bool {
	var bp *BackpressureError
	return errors.As(err, &bp)
}
