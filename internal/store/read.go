package store

import (
	"context"
	"fmt"

	"github.com/tomhaye/vaultsync/internal/event"
	"github.com/tomhaye/vaultsync/internal/identity"
)

// ReadSince returns all events strictly after cursor, in append order.
//
// Side-effect free and restartable: repeating the same call returns the
// identical sequence. Returns an empty slice (not nil) when the caller is
// already current or the actor has no log.
func (s *Store) ReadSince(ctx context.Context, id identity.ObjectID, cursor int64) ([]event.Event, error) {
	var events []event.Event
	err := withRetry(ctx, s.retry, "read_since", func() error {
		var err error
		events, err = s.readSinceOnce(ctx, id, cursor)
		return err
	})
	return events, err
}

func (s *Store) readSinceOnce(ctx context.Context, id identity.ObjectID, cursor int64) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT seq, origin, ts, payload_version, payload
		FROM events
		WHERE object_id = ? AND seq > ?
		ORDER BY seq ASC
	`), id.String(), cursor)
	if err != nil {
		return nil, fmt.Errorf("read since: query: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		var origin string
		if err := rows.Scan(&ev.Seq, &origin, &ev.Timestamp, &ev.Payload.Version, &ev.Payload.Data); err != nil {
			return nil, fmt.Errorf("read since: scan: %w", err)
		}
		ev.Origin = event.Origin(origin)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read since: iterate: %w", err)
	}

	// Return empty slice instead of nil
	if events == nil {
		events = []event.Event{}
	}
	return events, nil
}

// Stats returns a point-in-time snapshot of the actor's summary.
// Returns *NotFoundError if the actor has never synced.
func (s *Store) Stats(ctx context.Context, id identity.ObjectID) (event.SyncStats, error) {
	var stats event.SyncStats
	err := withRetry(ctx, s.retry, "stats", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("stats: begin tx: %w", err)
		}
		defer tx.Rollback()

		got, found, err := s.readStatsTx(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		if !found {
			return &NotFoundError{ObjectID: id.String()}
		}
		stats = got
		return tx.Commit()
	})
	return stats, err
}
