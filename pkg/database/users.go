package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// CreateUser inserts a new user row.
func (db *DB) CreateUser(ctx context.Context, u *models.User, passwordVerifier string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_verifier, created_at)
		VALUES ($1, $2, $3, $4)
	`, u.ID, u.Email, passwordVerifier, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByEmail looks up a user by case-folded email, returning its
// password verifier alongside for the login path.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, string, error) {
	var u models.User
	var verifier string

	err := db.QueryRowContext(ctx, `
		SELECT id, email, password_verifier, created_at FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &verifier, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get user by email: %w", err)
	}

	return &u, verifier, nil
}

// GetUserByID looks up a user by id.
func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := db.QueryRowContext(ctx, `
		SELECT id, email, created_at FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &u, nil
}

// CreateAPIKey inserts a new API key row.
func (db *DB) CreateAPIKey(ctx context.Context, k *models.APIKey, hashedSecret string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, prefix, hashed_secret, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, k.ID, k.UserID, k.Prefix, hashedSecret, k.Name, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// APIKeyRow is what FindAPIKeysByPrefix returns: the row plus its hashed
// secret, needed for the constant-time comparison in the auth gate.
type APIKeyRow struct {
	models.APIKey
	HashedSecret string
}

// FindAPIKeysByPrefix returns all non-revoked keys sharing a prefix, for the
// caller to compare against via constant-time hash comparison.
func (db *DB) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKeyRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, prefix, hashed_secret, name, created_at, last_used_at, revoked_at
		FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKeyRow
	for rows.Next() {
		var k APIKeyRow
		var lastUsed, revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.Prefix, &k.HashedSecret, &k.Name, &k.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		if revoked.Valid {
			k.RevokedAt = &revoked.Time
		}
		out = append(out, &k)
	}
	return out, nil
}

// TouchAPIKey updates last_used_at to now.
func (db *DB) TouchAPIKey(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = $1`, id)
	return err
}

// ListAPIKeys lists a user's API keys, newest first.
func (db *DB) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, prefix, name, created_at, last_used_at, revoked_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		var lastUsed, revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.Prefix, &k.Name, &k.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		if revoked.Valid {
			k.RevokedAt = &revoked.Time
		}
		out = append(out, &k)
	}
	return out, nil
}

// RevokeAPIKey marks a key revoked, scoped to its owner.
func (db *DB) RevokeAPIKey(ctx context.Context, id, userID string) error {
	result, err := db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
