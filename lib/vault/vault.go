// Package vault is the Secret Vault: authenticated-encryption storage for
// per-user OAuth material (spec §4.5). The teacher has no bespoke AEAD
// vault of its own — it relies on mTLS/certificate material for
// confidentiality rather than storing third-party secrets at rest — so
// this is one of the few places the corpus does not hand us a ready
// third-party library, and the standard crypto/aes + crypto/cipher AEAD
// primitives are the idiomatic Go choice (see DESIGN.md).
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

const (
	keySize   = 32 // 256-bit key, per spec §6 SECRET_KEY.
	nonceSize = 12 // 96-bit nonce, per spec §4.5.
)

// SecretStore is the persistence the Vault needs — satisfied by
// *store.Store in production. Keeping this as a narrow interface (rather
// than importing lib/store directly) lets the AEAD logic be unit tested
// against an in-memory fake with no database dependency, the same way
// the teacher keeps lib/jwt free of any backend import.
type SecretStore interface {
	PutSecret(ctx context.Context, userID uuid.UUID, ciphertext []byte) error
	GetSecret(ctx context.Context, userID uuid.UUID) ([]byte, bool, error)
}

// Vault encrypts and decrypts per-user secret blobs with AES-256-GCM and
// persists the ciphertext layout (nonce ∥ ciphertext ∥ auth_tag) through
// the Tenant Store.
type Vault struct {
	aead  cipher.AEAD
	store SecretStore
}

// New constructs a Vault from a 256-bit key and the store used to
// persist ciphertext.
func New(key []byte, st SecretStore) (*Vault, error) {
	if len(key) != keySize {
		return nil, trace.BadParameter("secret key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Vault{aead: aead, store: st}, nil
}

// ErrDecrypt is returned when decryption fails (wrong key, tampering).
// The error message never includes any plaintext or ciphertext material.
var ErrDecrypt = trace.AccessDenied("failed to decrypt secret")

// Put encrypts plaintext with a fresh nonce and persists it for userID.
// Two successive Put calls with identical plaintext produce distinct
// ciphertext because the nonce is freshly generated every time (spec
// scenario 5).
func (v *Vault) Put(ctx context.Context, userID uuid.UUID, plaintext []byte) error {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return trace.Wrap(err)
	}

	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	layout := make([]byte, 0, len(nonce)+len(sealed))
	layout = append(layout, nonce...)
	layout = append(layout, sealed...)

	return trace.Wrap(v.store.PutSecret(ctx, userID, layout))
}

// Get decrypts and returns the plaintext blob stored for userID, or
// (nil, false, nil) if none exists.
func (v *Vault) Get(ctx context.Context, userID uuid.UUID) ([]byte, bool, error) {
	layout, ok, err := v.store.GetSecret(ctx, userID)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if !ok {
		return nil, false, nil
	}

	if len(layout) < nonceSize {
		return nil, false, trace.Wrap(ErrDecrypt)
	}
	nonce, ciphertext := layout[:nonceSize], layout[nonceSize:]

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false, trace.Wrap(ErrDecrypt)
	}
	return plaintext, true, nil
}
