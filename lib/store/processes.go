package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// ProcessStatus mirrors the lifecycle states a coding-agent process can
// persist (spec §4.7 "Lifecycle and cleanup").
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// ProcessRow is the persisted snapshot of a child process handle.
type ProcessRow struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	SessionID   uuid.UUID
	Status      ProcessStatus
	ExitCode    *int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// CreateProcessRow records a newly spawned process as running.
func (s *Store) CreateProcessRow(ctx context.Context, userID, id, sessionID uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `INSERT INTO execution_processes (id, user_id, session_id, status) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, q, id, userID, sessionID, ProcessRunning)
	return mapError(err, "create process row")
}

// CompleteProcessRow marks a process terminal with its exit code, scoped
// to userID. Called once by the Process Registry when the child exits,
// whether naturally or after an interrupt; the Reaper's orphan
// reconciliation does not call it.
func (s *Store) CompleteProcessRow(ctx context.Context, userID, id uuid.UUID, status ProcessStatus, exitCode *int) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `UPDATE execution_processes SET status = $3, exit_code = $4, completed_at = now() WHERE user_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, id, status, exitCode)
	if err != nil {
		return mapError(err, "complete process row")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("complete process row: not found")
	}
	return nil
}

// GetProcessRow returns the process row, scoped to userID.
func (s *Store) GetProcessRow(ctx context.Context, userID, id uuid.UUID) (*ProcessRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, session_id, status, exit_code, created_at, completed_at FROM execution_processes WHERE user_id = $1 AND id = $2`
	r := &ProcessRow{}
	err := s.pool.QueryRow(ctx, q, userID, id).Scan(&r.ID, &r.UserID, &r.SessionID, &r.Status, &r.ExitCode, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, mapError(err, "get process row")
	}
	return r, nil
}

// ListRunningProcessRows returns every process row still marked running,
// across all users. It is not filtered by owner, and nothing in the
// kernel calls it; the Reaper's orphan sweep works from the Process
// Registry instead.
func (s *Store) ListRunningProcessRows(ctx context.Context) ([]ProcessRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, session_id, status, exit_code, created_at, completed_at FROM execution_processes WHERE status = $1`
	rows, err := s.pool.Query(ctx, q, ProcessRunning)
	if err != nil {
		return nil, mapError(err, "list running process rows")
	}
	defer rows.Close()

	var out []ProcessRow
	for rows.Next() {
		var r ProcessRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Status, &r.ExitCode, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, trace.Wrap(rows.Err())
}
