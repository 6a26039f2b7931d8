package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Project is an owner-tagged entity: a user's top-level grouping of tasks.
type Project struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateProject inserts a new project owned by userID.
func (s *Store) CreateProject(ctx context.Context, userID uuid.UUID, name string) (*Project, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := uuid.New()
	const q = `INSERT INTO projects (id, user_id, name) VALUES ($1, $2, $3) RETURNING created_at, updated_at`
	p := &Project{ID: id, UserID: userID, Name: name}
	if err := s.pool.QueryRow(ctx, q, id, userID, name).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapError(err, "create project")
	}
	return p, nil
}

// GetProject returns the project with id, scoped to userID. A project
// owned by a different user is indistinguishable from one that does not
// exist (spec P3, uniform not-found policy).
func (s *Store) GetProject(ctx context.Context, userID, id uuid.UUID) (*Project, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, name, created_at, updated_at FROM projects WHERE user_id = $1 AND id = $2`
	p := &Project{}
	err := s.pool.QueryRow(ctx, q, userID, id).Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "get project")
	}
	return p, nil
}

// ListProjects returns every project owned by userID. Never reveals the
// existence or count of another user's projects.
func (s *Store) ListProjects(ctx context.Context, userID uuid.UUID) ([]*Project, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, name, created_at, updated_at FROM projects WHERE user_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, mapError(err, "list projects")
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := &Project{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteProject removes a project, but only if owned by userID (I5: no
// row is deleted except by its owner or the Reaper).
func (s *Store) DeleteProject(ctx context.Context, userID, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `DELETE FROM projects WHERE user_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return mapError(err, "delete project")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("delete project: not found")
	}
	return nil
}
