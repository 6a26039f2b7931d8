package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

// PutSecret persists the already-encrypted layout for userID. Called
// exclusively by lib/vault.Vault — nothing else should write this table.
func (s *Store) PutSecret(ctx context.Context, userID uuid.UUID, ciphertext []byte) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `
		INSERT INTO secrets (user_id, ciphertext)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = now()`
	_, err := s.pool.Exec(ctx, q, userID, ciphertext)
	return mapError(err, "put secret")
}

// GetSecret returns the stored ciphertext layout for userID, or
// (nil, false, nil) if none has been written yet.
func (s *Store) GetSecret(ctx context.Context, userID uuid.UUID) ([]byte, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT ciphertext FROM secrets WHERE user_id = $1`
	var ciphertext []byte
	err := s.pool.QueryRow(ctx, q, userID).Scan(&ciphertext)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError(err, "get secret")
	}
	return ciphertext, true, nil
}
