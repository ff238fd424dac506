// Package actor serializes access to per-device durable state.
//
// An Arena maintains one lightweight execution context per ObjectID, backed
// by a map from id to mailbox. All work submitted for the same id runs on a
// single goroutine in FIFO acceptance order, so the event store never needs
// application-level locking for a given log. Work for different ids runs in
// parallel with no ordering guarantee.
//
// Contexts are created lazily on first use and evicted after an idle timeout
// to bound memory; eviction is invisible to callers because the next call
// recreates the context.
package actor
