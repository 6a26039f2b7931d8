package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Task is bound to a Project owned by the same user (spec I4).
type Task struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ProjectID uuid.UUID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateTask inserts a task under projectID, which must already be owned
// by userID — callers should resolve the project first via GetProject so
// a dangling cross-tenant reference is never created (I4).
func (s *Store) CreateTask(ctx context.Context, userID, projectID uuid.UUID, title string) (*Task, error) {
	if _, err := s.GetProject(ctx, userID, projectID); err != nil {
		return nil, trace.Wrap(err)
	}

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := uuid.New()
	const q = `INSERT INTO tasks (id, user_id, project_id, title) VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`
	t := &Task{ID: id, UserID: userID, ProjectID: projectID, Title: title}
	if err := s.pool.QueryRow(ctx, q, id, userID, projectID, title).Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapError(err, "create task")
	}
	return t, nil
}

// GetTask returns the task, scoped to userID.
func (s *Store) GetTask(ctx context.Context, userID, id uuid.UUID) (*Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, project_id, title, created_at, updated_at FROM tasks WHERE user_id = $1 AND id = $2`
	t := &Task{}
	err := s.pool.QueryRow(ctx, q, userID, id).Scan(&t.ID, &t.UserID, &t.ProjectID, &t.Title, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "get task")
	}
	return t, nil
}

// ListTasksByProject returns every task under projectID owned by userID.
func (s *Store) ListTasksByProject(ctx context.Context, userID, projectID uuid.UUID) ([]*Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, project_id, title, created_at, updated_at FROM tasks WHERE user_id = $1 AND project_id = $2 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, userID, projectID)
	if err != nil {
		return nil, mapError(err, "list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.ProjectID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, t)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteTask removes a task owned by userID.
func (s *Store) DeleteTask(ctx context.Context, userID, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `DELETE FROM tasks WHERE user_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return mapError(err, "delete task")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("delete task: not found")
	}
	return nil
}
