package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomhaye/vaultsync/internal/event"
	"github.com/tomhaye/vaultsync/internal/identity"
)

// Append applies a batch of events to the actor's log atomically.
//
// The batch must be strictly ascending by seq. Application is all-or-nothing:
// either every previously unseen event in the batch is persisted together
// with the stats update, or nothing is.
//
// Idempotency: events whose (object_id, seq) already exist are skipped and
// charged nothing, so resubmitting an already-applied batch returns the
// current stats without double-counting used_storage_size or sync_count.
//
// Quota: if the previously unseen portion of the batch would push usage above
// max_storage_size, the whole batch is rejected with *QuotaExceededError and
// stats are untouched. The check runs before any row is written.
//
// Returns the stats as of after the append.
func (s *Store) Append(ctx context.Context, id identity.ObjectID, events []event.Event) (event.SyncStats, error) {
	if err := validateBatch(events); err != nil {
		return event.SyncStats{}, err
	}

	var stats event.SyncStats
	err := withRetry(ctx, s.retry, "append", func() error {
		var err error
		stats, err = s.appendOnce(ctx, id, events)
		return err
	})
	return stats, err
}

// validateBatch rejects batches that are not strictly ascending by seq or
// that carry an unknown origin.
func validateBatch(events []event.Event) error {
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			return fmt.Errorf("%w: seq %d follows %d", ErrBatchNotOrdered, events[i].Seq, events[i-1].Seq)
		}
	}
	for _, ev := range events {
		if !event.ValidOrigins[ev.Origin] {
			return fmt.Errorf("%w: got %q at seq %d", ErrInvalidOrigin, ev.Origin, ev.Seq)
		}
	}
	return nil
}

func (s *Store) appendOnce(ctx context.Context, id identity.ObjectID, events []event.Event) (event.SyncStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.SyncStats{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stats, found, err := s.readStatsTx(ctx, tx, id)
	if err != nil {
		return event.SyncStats{}, fmt.Errorf("append: read stats: %w", err)
	}
	if !found {
		stats = event.SyncStats{MaxStorageSize: s.maxStorageSize}
	}

	fresh, err := s.filterApplied(ctx, tx, id, events)
	if err != nil {
		return event.SyncStats{}, err
	}

	// Fully duplicate batch: exactly-once effect despite at-least-once
	// delivery. No rows, no stats mutation.
	if len(fresh) == 0 {
		if err := tx.Commit(); err != nil {
			return event.SyncStats{}, fmt.Errorf("append: commit (duplicate): %w", err)
		}
		return stats, nil
	}

	// Quota check precedes every write. Rejection leaves stats untouched.
	batchSize := event.BatchSize(fresh)
	if stats.UsedStorageSize+batchSize > stats.MaxStorageSize {
		return event.SyncStats{}, &QuotaExceededError{
			ObjectID:  id.String(),
			Used:      stats.UsedStorageSize,
			Max:       stats.MaxStorageSize,
			BatchSize: batchSize,
		}
	}

	insertQuery := s.rebind(`
		INSERT INTO events (object_id, seq, origin, ts, payload_version, payload, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (object_id, seq) DO NOTHING
	`)
	for _, ev := range fresh {
		if _, err := tx.ExecContext(ctx, insertQuery,
			id.String(),
			ev.Seq,
			string(ev.Origin),
			ev.Timestamp.UTC(),
			ev.Payload.Version,
			ev.Payload.Data,
			ev.Payload.Size(),
		); err != nil {
			return event.SyncStats{}, fmt.Errorf("append: insert event seq %d: %w", ev.Seq, err)
		}
	}

	stats.UsedStorageSize += batchSize
	stats.SyncCount++
	stats.LastSyncAt = time.Now().UTC()

	if err := s.upsertStatsTx(ctx, tx, id, stats); err != nil {
		return event.SyncStats{}, err
	}

	if err := tx.Commit(); err != nil {
		return event.SyncStats{}, fmt.Errorf("append: commit: %w", err)
	}
	return stats, nil
}

// filterApplied returns the events in the batch whose seq positions are not
// yet persisted for the actor. Runs inside the append transaction so the
// answer cannot go stale before the insert.
func (s *Store) filterApplied(ctx context.Context, tx *sql.Tx, id identity.ObjectID, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	lo, hi := events[0].Seq, events[len(events)-1].Seq
	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT seq FROM events
		WHERE object_id = ? AND seq >= ? AND seq <= ?
	`), id.String(), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("append: query applied seqs: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("append: scan applied seq: %w", err)
		}
		applied[seq] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("append: iterate applied seqs: %w", err)
	}

	var fresh []event.Event
	for _, ev := range events {
		if !applied[ev.Seq] {
			fresh = append(fresh, ev)
		}
	}
	return fresh, nil
}

// readStatsTx reads the stats row inside a transaction.
// Returns found=false when the actor has never synced.
func (s *Store) readStatsTx(ctx context.Context, tx *sql.Tx, id identity.ObjectID) (event.SyncStats, bool, error) {
	var stats event.SyncStats
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT last_sync_at, sync_count, used_storage_size, max_storage_size
		FROM stats WHERE object_id = ?
	`), id.String()).Scan(&stats.LastSyncAt, &stats.SyncCount, &stats.UsedStorageSize, &stats.MaxStorageSize)
	if errors.Is(err, sql.ErrNoRows) {
		return event.SyncStats{}, false, nil
	}
	if err != nil {
		return event.SyncStats{}, false, err
	}
	return stats, true, nil
}

// upsertStatsTx writes the stats row inside the append transaction so event
// rows and the summary can never diverge.
func (s *Store) upsertStatsTx(ctx context.Context, tx *sql.Tx, id identity.ObjectID, stats event.SyncStats) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO stats (object_id, last_sync_at, sync_count, used_storage_size, max_storage_size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (object_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			sync_count = excluded.sync_count,
			used_storage_size = excluded.used_storage_size,
			max_storage_size = excluded.max_storage_size
	`),
		id.String(),
		stats.LastSyncAt,
		stats.SyncCount,
		stats.UsedStorageSize,
		stats.MaxStorageSize,
	)
	if err != nil {
		return fmt.Errorf("append: upsert stats: %w", err)
	}
	return nil
}
