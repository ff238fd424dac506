// Package store provides durable storage for per-device sync event logs.
//
// One logical log exists per ObjectID, holding:
//   - Events: the append-only ordered record sequence (opaque payloads)
//   - Stats: the derived per-actor summary (sync count, storage usage, quota)
//   - Checkpoints: persisted workflow step cursors for crash-safe resumption
//
// # Write discipline
//
// Appends are all-or-nothing transactions. The quota check runs inside the
// same transaction, before any row is written, so used_storage_size can never
// be observed above max_storage_size. Duplicate sequence positions are
// absorbed with ON CONFLICT DO NOTHING and charged nothing, which makes
// at-least-once delivery from clients safe: resubmitting an applied batch
// neither double-counts usage nor bumps the sync counter.
//
// # Ordering
//
// All reads order by seq ASC. Seq is a per-actor logical position, never a
// wall-clock timestamp, so repeated reads of the same cursor are identical.
//
// # Backends
//
// The default backend is SQLite (WAL mode, NORMAL synchronous, busy timeout,
// foreign keys on, single writer connection). A Postgres backend is selected
// by driver name; the schema and placeholder style differ per dialect but the
// contract is identical. Serialization of writers per ObjectID is provided by
// the actor arena above this package, not by locks here.
//
// Transient backend failures are retried with bounded exponential backoff at
// this boundary; business-rule failures (quota, not found) are never retried.
package store
