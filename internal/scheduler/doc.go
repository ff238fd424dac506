// Package scheduler dispatches background work to a bounded worker pool.
//
// Work is described by resource plans: an immutable table, built once at
// startup, mapping a tag to its handler, its cost against pool capacity, and
// its queue bound. Plan declarations live in CUE files validated at load
// time; handlers are bound to tags in code.
//
// Two calling conventions exist:
//   - Invoke: request/response. The caller suspends until a worker produces
//     a result or the pool rejects the request. Caller-side cancellation is
//     supported, but an accepted request may still run (at-least-once), so
//     invoked effects must be idempotent - completed results are cached by
//     idempotency key so a retried invoke observes the original outcome.
//   - Emit: fire-and-forget. The request is queued and the caller proceeds;
//     the effect still executes subject to worker availability. Emit is
//     rejected with a BackpressureError when the plan's queue bound is hit,
//     where Invoke instead blocks the caller up to its timeout.
//
// Pool lifecycle: Uninitialized -> Initializing -> Ready -> ShuttingDown ->
// Terminated. Only Ready accepts work. Shutdown drains accepted requests to
// completion and rejects new ones.
package scheduler
