package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/crew/internal/scheduler"
)

// SaveCheckpoint replaces the run's task states in a single transaction,
// so a reader never sees a half-written checkpoint.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID string, snaps []scheduler.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, snap := range snaps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_states (run_id, task_id, position, state, retries, agent, output, error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(run_id, task_id) DO UPDATE SET
				position = excluded.position,
				state = excluded.state,
				retries = excluded.retries,
				agent = excluded.agent,
				output = excluded.output,
				error = excluded.error,
				updated_at = CURRENT_TIMESTAMP
		`, runID, snap.ID, i, snap.State.String(), snap.Retries, snap.Agent, snap.Output, snap.Err)
		if err != nil {
			return fmt.Errorf("failed to save state of task %s: %w", snap.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("failed to touch run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the last saved task states in declaration order.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string) ([]scheduler.Snapshot, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, state, retries, agent, output, error
		FROM task_states WHERE run_id = ? ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task states: %w", err)
	}
	defer rows.Close()

	var snaps []scheduler.Snapshot
	for rows.Next() {
		var snap scheduler.Snapshot
		var state string
		if err := rows.Scan(&snap.ID, &state, &snap.Retries, &snap.Agent, &snap.Output, &snap.Err); err != nil {
			return nil, fmt.Errorf("failed to scan task state: %w", err)
		}
		if snap.State, err = scheduler.ParseTaskState(state); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// TaskOutputs returns the outputs of completed tasks in declaration order.
func (s *SQLiteStore) TaskOutputs(ctx context.Context, runID string) ([]TaskOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent, output FROM task_states
		WHERE run_id = ? AND state = ? ORDER BY position
	`, runID, scheduler.TaskCompleted.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query outputs: %w", err)
	}
	defer rows.Close()

	var outs []TaskOutput
	for rows.Next() {
		var o TaskOutput
		if err := rows.Scan(&o.TaskID, &o.Agent, &o.Output); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		outs = append(outs, o)
	}
	return outs, rows.Err()
}

// SaveAttempt appends to the attempt log.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, a Attempt) error {
	feedback, err := json.Marshal(a.Feedback)
	if err != nil {
		return fmt.Errorf("failed to encode feedback: %w", err)
	}
	if a.Feedback == nil {
		feedback = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, task_id, attempt, agent, output, passed, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, a.RunID, a.TaskID, a.Number, a.Agent, a.Output, a.Passed, string(feedback))
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a run's attempts in the order they were made.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, attempt, agent, output, passed, feedback, created_at
		FROM attempts WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var feedback string
		if err := rows.Scan(&a.RunID, &a.TaskID, &a.Number, &a.Agent, &a.Output, &a.Passed, &feedback, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(feedback), &a.Feedback); err != nil {
			return nil, fmt.Errorf("failed to decode feedback: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
