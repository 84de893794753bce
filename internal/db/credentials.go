package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulsetrack/backend/internal/models"
)

// GetCredential retrieves the credential record for a provider. Returns
// (nil, nil) when the provider has never been authorized.
func (s *PostgresStore) GetCredential(ctx context.Context, provider string) (*models.Credential, error) {
	var cred models.Credential
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT provider, access_token, refresh_token, expires_at, client_id, client_secret, status, updated_at
		FROM credentials
		WHERE provider = $1`, provider).Scan(
		&cred.Provider,
		&cred.AccessToken,
		&cred.RefreshToken,
		&expiresAt,
		&cred.ClientID,
		&cred.ClientSecret,
		&cred.Status,
		&cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}
	return &cred, nil
}

// SaveCredential replaces the credential record in a single statement. The
// refresh token is single-use under rotation, so the row must never be
// half-written: either the whole new record lands or nothing does.
func (s *PostgresStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}

	var expiresAt interface{}
	if cred.ExpiresAt != nil {
		expiresAt = *cred.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (provider, access_token, refresh_token, expires_at, client_id, client_secret, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			status = EXCLUDED.status,
			updated_at = NOW()`,
		cred.Provider, cred.AccessToken, cred.RefreshToken, expiresAt, cred.ClientID, cred.ClientSecret, cred.Status)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// SetCredentialStatus flips the provider-level authentication flag without
// touching the tokens.
func (s *PostgresStore) SetCredentialStatus(ctx context.Context, provider string, status models.CredentialStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET status = $2, updated_at = NOW() WHERE provider = $1`,
		provider, status)
	if err != nil {
		return fmt.Errorf("failed to set credential status: %w", err)
	}
	return nil
}
