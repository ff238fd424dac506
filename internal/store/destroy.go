package store

import (
	"context"
	"fmt"

	"github.com/tomhaye/vaultsync/internal/identity"
)

// Destroy irreversibly deletes the actor's log and stats in one transaction.
//
// Idempotent: destroying an already-destroyed (or never-created) store
// succeeds silently. Subsequent Stats calls return *NotFoundError and
// ReadSince returns an empty sequence.
func (s *Store) Destroy(ctx context.Context, id identity.ObjectID) error {
	return withRetry(ctx, s.retry, "destroy", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("destroy: begin tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM events WHERE object_id = ?`), id.String()); err != nil {
			return fmt.Errorf("destroy: delete events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM stats WHERE object_id = ?`), id.String()); err != nil {
			return fmt.Errorf("destroy: delete stats: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("destroy: commit: %w", err)
		}
		return nil
	})
}
