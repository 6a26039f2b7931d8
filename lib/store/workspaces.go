package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Workspace has a filesystem root under the user's sandbox prefix and is
// bound to a Task owned by the same user (I4).
type Workspace struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TaskID    uuid.UUID
	RootPath  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateWorkspace inserts a workspace under taskID. rootPath must already
// be a Path-Sandbox-validated, canonical path (I2) — the Store never
// canonicalises paths itself, that is the Sandbox's exclusive job.
func (s *Store) CreateWorkspace(ctx context.Context, userID, taskID uuid.UUID, rootPath string) (*Workspace, error) {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return nil, trace.Wrap(err)
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := uuid.New()
	const q = `INSERT INTO workspaces (id, user_id, task_id, root_path) VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`
	w := &Workspace{ID: id, UserID: userID, TaskID: taskID, RootPath: rootPath}
	if err := s.pool.QueryRow(ctx, q, id, userID, taskID, rootPath).Scan(&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapError(err, "create workspace")
	}
	return w, nil
}

// GetWorkspace returns the workspace, scoped to userID.
func (s *Store) GetWorkspace(ctx context.Context, userID, id uuid.UUID) (*Workspace, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, task_id, root_path, created_at, updated_at FROM workspaces WHERE user_id = $1 AND id = $2`
	w := &Workspace{}
	err := s.pool.QueryRow(ctx, q, userID, id).Scan(&w.ID, &w.UserID, &w.TaskID, &w.RootPath, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "get workspace")
	}
	return w, nil
}

// ListWorkspacesByTask returns every workspace under taskID owned by userID.
func (s *Store) ListWorkspacesByTask(ctx context.Context, userID, taskID uuid.UUID) ([]*Workspace, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, task_id, root_path, created_at, updated_at FROM workspaces WHERE user_id = $1 AND task_id = $2 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, userID, taskID)
	if err != nil {
		return nil, mapError(err, "list workspaces")
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w := &Workspace{}
		if err := rows.Scan(&w.ID, &w.UserID, &w.TaskID, &w.RootPath, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, w)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteWorkspace removes a workspace owned by userID.
func (s *Store) DeleteWorkspace(ctx context.Context, userID, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `DELETE FROM workspaces WHERE user_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return mapError(err, "delete workspace")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("delete workspace: not found")
	}
	return nil
}
