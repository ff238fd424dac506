package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint states. A checkpoint exists only while its workflow is running
// or has failed terminally; completion deletes the row.
const (
	CheckpointRunning = "running"
	CheckpointFailed  = "failed"
)

// Checkpoint is the persisted cursor of one workflow instance.
// StepCursor counts durably completed steps: a workflow resuming after a
// crash continues at step StepCursor, never replaying completed effects.
type Checkpoint struct {
	Workflow   string
	Key        string
	StepCursor int
	State      string
	UpdatedAt  time.Time
}

// SaveCheckpoint upserts the cursor for a workflow instance.
// Written after each durably completed step, so the cursor never points past
// recorded effects.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	return withRetry(ctx, s.retry, "save_checkpoint", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO checkpoints (workflow, key, step_cursor, state, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (workflow, key) DO UPDATE SET
				step_cursor = excluded.step_cursor,
				state = excluded.state,
				updated_at = excluded.updated_at
		`),
			cp.Workflow,
			cp.Key,
			cp.StepCursor,
			cp.State,
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// LoadCheckpoint reads the cursor for a workflow instance.
// Returns found=false when no checkpoint exists.
func (s *Store) LoadCheckpoint(ctx context.Context, workflow, key string) (Checkpoint, bool, error) {
	var cp Checkpoint
	var found bool
	err := withRetry(ctx, s.retry, "load_checkpoint", func() error {
		err := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT workflow, key, step_cursor, state, updated_at
			FROM checkpoints WHERE workflow = ? AND key = ?
		`), workflow, key).Scan(&cp.Workflow, &cp.Key, &cp.StepCursor, &cp.State, &cp.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		found = true
		return nil
	})
	return cp, found, err
}

// DeleteCheckpoint removes the cursor once a workflow completes.
// Idempotent: deleting a missing checkpoint succeeds silently.
func (s *Store) DeleteCheckpoint(ctx context.Context, workflow, key string) error {
	return withRetry(ctx, s.retry, "delete_checkpoint", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(
			`DELETE FROM checkpoints WHERE workflow = ? AND key = ?`), workflow, key)
		if err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		return nil
	})
}
