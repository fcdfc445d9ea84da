package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/threadclaw/internal/vault"
)

// SetCredential encrypts and stores a secret for the owner, replacing any
// previous value. The plaintext is never persisted or logged.
func (s *Store) SetCredential(ctx context.Context, ownerID, plaintext string) error {
	if s.vault == nil {
		return fmt.Errorf("set credential: store opened without a vault")
	}
	if ownerID == "" {
		return fmt.Errorf("set credential: owner_id is required")
	}
	sealed, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO credentials (owner_id, secret, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(owner_id) DO UPDATE SET
				secret = excluded.secret,
				updated_at = CURRENT_TIMESTAMP;
		`, ownerID, sealed)
		return err
	})
	if err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// GetCredential returns the decrypted secret for the owner. A missing row
// returns ErrNotFound; an undecryptable row returns a *vault.DecryptionError
// that callers must treat as "absent", not fatal.
//
// Read repair: a stored value that fails the vault's structural ciphertext
// check is treated as legacy plaintext. It is re-encrypted and persisted
// inside this call, and the original plaintext is returned unchanged. The
// very next read sees only ciphertext.
func (s *Store) GetCredential(ctx context.Context, ownerID string) (string, error) {
	if s.vault == nil {
		return "", fmt.Errorf("get credential: store opened without a vault")
	}
	var stored string
	err := s.db.QueryRowContext(ctx, `
		SELECT secret FROM credentials WHERE owner_id = ?;
	`, ownerID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}

	if !vault.IsEncrypted(stored) {
		// Legacy plaintext row: repair in place, return the value as-is.
		sealed, err := s.vault.Encrypt(stored)
		if err != nil {
			return "", fmt.Errorf("get credential: repair: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE credentials SET secret = ?, updated_at = CURRENT_TIMESTAMP WHERE owner_id = ?;
		`, sealed, ownerID); err != nil {
			return "", fmt.Errorf("get credential: persist repair: %w", err)
		}
		return stored, nil
	}

	plaintext, err := s.vault.Decrypt(stored)
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// DeleteCredential removes the owner's secret.
func (s *Store) DeleteCredential(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE owner_id = ?;`, ownerID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
