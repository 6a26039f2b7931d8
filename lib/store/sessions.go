package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// SessionRow is the persisted snapshot of a live shell session handle.
// The Session Registry exclusively owns the in-memory handle; this row
// is written on open, resize and close (input written to the shell does
// not update it) so the Reaper and any observability
// surface can see session state without holding the registry lock.
type SessionRow struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	WorkspaceID  uuid.UUID
	Cols, Rows   int
	CreatedAt    time.Time
	LastActivity time.Time
	ClosedAt     *time.Time
}

// UpsertSessionRow writes the current snapshot of a session handle.
func (s *Store) UpsertSessionRow(ctx context.Context, row SessionRow) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `
		INSERT INTO sessions (id, user_id, workspace_id, cols, rows, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			cols = EXCLUDED.cols, rows = EXCLUDED.rows, last_activity = EXCLUDED.last_activity`
	_, err := s.pool.Exec(ctx, q, row.ID, row.UserID, row.WorkspaceID, row.Cols, row.Rows, row.LastActivity)
	return mapError(err, "upsert session row")
}

// CloseSessionRow marks a session row closed, scoped to userID.
func (s *Store) CloseSessionRow(ctx context.Context, userID, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `UPDATE sessions SET closed_at = now() WHERE user_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return mapError(err, "close session row")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("close session row: not found")
	}
	return nil
}

// ListOpenSessionRows returns every session row not yet closed, across
// all users. It is not filtered by owner, and nothing in the kernel
// calls it; the Reaper's idle sweep works from the Session Registry
// instead.
func (s *Store) ListOpenSessionRows(ctx context.Context) ([]SessionRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, workspace_id, cols, rows, created_at, last_activity, closed_at FROM sessions WHERE closed_at IS NULL`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, mapError(err, "list open session rows")
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.WorkspaceID, &r.Cols, &r.Rows, &r.CreatedAt, &r.LastActivity, &r.ClosedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, trace.Wrap(rows.Err())
}
