package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// PTYRow is the persisted record of an open PTY, created on open and
// deleted on close or idle reclaim (spec §3 "PTY-record" lifecycle).
type PTYRow struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	WorkspaceID *uuid.UUID
	CreatedAt   time.Time
}

// CreatePTYRow records a newly opened PTY.
func (s *Store) CreatePTYRow(ctx context.Context, userID, id uuid.UUID, workspaceID *uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `INSERT INTO pty_sessions (id, user_id, workspace_id) VALUES ($1, $2, $3)`
	_, err := s.pool.Exec(ctx, q, id, userID, workspaceID)
	return mapError(err, "create pty row")
}

// DeletePTYRow removes a PTY record on close or idle reclaim, scoped to
// userID.
func (s *Store) DeletePTYRow(ctx context.Context, userID, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `DELETE FROM pty_sessions WHERE user_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return mapError(err, "delete pty row")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("delete pty row: not found")
	}
	return nil
}
