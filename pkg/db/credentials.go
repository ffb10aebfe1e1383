package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CredentialStore persists broker accounts per user.
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore creates a new CredentialStore instance.
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Get returns the stored credential for userID.
func (s *CredentialStore) Get(ctx context.Context, userID int64) (*Credential, error) {
	if userID == 0 {
		return nil, ErrUserIDRequired
	}
	var c Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, client_id, access_token_encrypted, COALESCE(key_version, 1), updated_at
		FROM broker_credentials
		WHERE user_id = ?
	`, userID).Scan(&c.UserID, &c.ClientID, &c.AccessTokenEncrypted, &c.KeyVersion, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// Upsert creates or replaces the credential for c.UserID.
func (s *CredentialStore) Upsert(ctx context.Context, c Credential) error {
	if c.UserID == 0 {
		return ErrUserIDRequired
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO broker_credentials (user_id, client_id, access_token_encrypted, key_version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			client_id = excluded.client_id,
			access_token_encrypted = excluded.access_token_encrypted,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at
	`, c.UserID, c.ClientID, c.AccessTokenEncrypted, c.KeyVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}
