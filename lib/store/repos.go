package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Repo is a free-standing entity whose path is unique per user, not
// globally (spec I3) — two different users may register the same
// filesystem path as a repo without conflict.
type Repo struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Path      string
	CreatedAt time.Time
}

// CreateRepo registers path as a repo for userID. A second call with the
// same (userID, path) pair returns Conflict; the same path registered by
// a different user succeeds.
func (s *Store) CreateRepo(ctx context.Context, userID uuid.UUID, path string) (*Repo, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := uuid.New()
	const q = `INSERT INTO repos (id, user_id, path) VALUES ($1, $2, $3) RETURNING created_at`
	r := &Repo{ID: id, UserID: userID, Path: path}
	if err := s.pool.QueryRow(ctx, q, id, userID, path).Scan(&r.CreatedAt); err != nil {
		return nil, mapError(err, "create repo")
	}
	return r, nil
}

// GetRepo returns the repo, scoped to userID.
func (s *Store) GetRepo(ctx context.Context, userID, id uuid.UUID) (*Repo, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, path, created_at FROM repos WHERE user_id = $1 AND id = $2`
	r := &Repo{}
	err := s.pool.QueryRow(ctx, q, userID, id).Scan(&r.ID, &r.UserID, &r.Path, &r.CreatedAt)
	if err != nil {
		return nil, mapError(err, "get repo")
	}
	return r, nil
}

// ListRepos returns every repo owned by userID.
func (s *Store) ListRepos(ctx context.Context, userID uuid.UUID) ([]*Repo, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, path, created_at FROM repos WHERE user_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, mapError(err, "list repos")
	}
	defer rows.Close()

	var out []*Repo
	for rows.Next() {
		r := &Repo{}
		if err := rows.Scan(&r.ID, &r.UserID, &r.Path, &r.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, r)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteRepo removes a repo owned by userID.
func (s *Store) DeleteRepo(ctx context.Context, userID, id uuid.UUID) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `DELETE FROM repos WHERE user_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return mapError(err, "delete repo")
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("delete repo: not found")
	}
	return nil
}
