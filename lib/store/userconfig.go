package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// UserConfig is an upsert-only, per-user keyed settings blob (spec §3).
// The primary key is (user_id, key), so uniqueness is naturally scoped
// per user without extra constraints (I3).
type UserConfig struct {
	UserID    uuid.UUID
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// UpsertUserConfig creates or replaces the value stored for (userID, key).
func (s *Store) UpsertUserConfig(ctx context.Context, userID uuid.UUID, key string, value json.RawMessage) (*UserConfig, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `
		INSERT INTO user_configs (user_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		RETURNING updated_at`
	c := &UserConfig{UserID: userID, Key: key, Value: value}
	if err := s.pool.QueryRow(ctx, q, userID, key, value).Scan(&c.UpdatedAt); err != nil {
		return nil, mapError(err, "upsert user config")
	}
	return c, nil
}

// GetUserConfig returns the value stored for (userID, key).
func (s *Store) GetUserConfig(ctx context.Context, userID uuid.UUID, key string) (*UserConfig, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT user_id, key, value, updated_at FROM user_configs WHERE user_id = $1 AND key = $2`
	c := &UserConfig{}
	err := s.pool.QueryRow(ctx, q, userID, key).Scan(&c.UserID, &c.Key, &c.Value, &c.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "get user config")
	}
	return c, nil
}

// ListUserConfig returns every config key stored for userID.
func (s *Store) ListUserConfig(ctx context.Context, userID uuid.UUID) ([]*UserConfig, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT user_id, key, value, updated_at FROM user_configs WHERE user_id = $1 ORDER BY key`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, mapError(err, "list user config")
	}
	defer rows.Close()

	var out []*UserConfig
	for rows.Next() {
		c := &UserConfig{}
		if err := rows.Scan(&c.UserID, &c.Key, &c.Value, &c.UpdatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, c)
	}
	return out, trace.Wrap(rows.Err())
}
