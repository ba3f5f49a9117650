package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// CreateSandbox inserts a new sandbox row in pending/creating. Returns
// ErrConflict if the idempotency key (user_id, environment_id, name)
// already exists, without touching the existing row — callers use
// GetSandboxByName to fetch the winner.
func (db *DB) CreateSandbox(ctx context.Context, s *models.Sandbox) error {
	ports, _ := json.Marshal(s.Ports)

	_, err := db.ExecContext(ctx, `
		INSERT INTO sandboxes
			(id, user_id, environment_id, environment_version_id, name, status, phase, ports,
			 created_at, expires_at, provision_progress, provision_status_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.ID, s.UserID, s.EnvironmentID, s.EnvironmentVersionID, s.Name, s.Status, s.Phase, string(ports),
		s.CreatedAt, s.ExpiresAt, s.ProvisionProgress, s.ProvisionStatusText)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	return nil
}

// GetSandboxByName looks up the idempotency-key winner for (user,
// environment, name).
func (db *DB) GetSandboxByName(ctx context.Context, userID, environmentID, name string) (*models.Sandbox, error) {
	row := db.QueryRowContext(ctx, sandboxSelect+` WHERE user_id = $1 AND environment_id = $2 AND name = $3`,
		userID, environmentID, name)
	return scanSandbox(row)
}

// GetSandbox fetches a sandbox scoped to its owner.
func (db *DB) GetSandbox(ctx context.Context, id, userID string) (*models.Sandbox, error) {
	row := db.QueryRowContext(ctx, sandboxSelect+` WHERE id = $1 AND user_id = $2`, id, userID)
	return scanSandbox(row)
}

// GetSandboxByID fetches a sandbox without a tenant check, for internal use
// by workers that already operate across tenants (TTL sweep, shutdown).
func (db *DB) GetSandboxByID(ctx context.Context, id string) (*models.Sandbox, error) {
	row := db.QueryRowContext(ctx, sandboxSelect+` WHERE id = $1`, id)
	return scanSandbox(row)
}

// ListSandboxes lists a user's sandboxes, optionally filtered by status
// and/or environment.
func (db *DB) ListSandboxes(ctx context.Context, userID string, status models.Status, environmentID string) ([]*models.Sandbox, error) {
	query := sandboxSelect + ` WHERE user_id = $1`
	args := []interface{}{userID}

	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if environmentID != "" {
		args = append(args, environmentID)
		query += fmt.Sprintf(" AND environment_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*models.Sandbox
	for rows.Next() {
		s, err := scanSandboxRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// CountActiveSandboxes counts sandboxes owned by a user whose status is not
// in {stopped, expired, error} -- the quota check in §4.5 step 1.
func (db *DB) CountActiveSandboxes(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sandboxes
		WHERE user_id = $1 AND status NOT IN ('stopped', 'expired', 'error')
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sandboxes: %w", err)
	}
	return count, nil
}

// ListExpiring returns sandboxes whose expires_at has passed and whose
// status is not already terminal, for the TTL sweeper.
func (db *DB) ListExpiring(ctx context.Context) ([]*models.Sandbox, error) {
	rows, err := db.QueryContext(ctx, sandboxSelect+`
		WHERE expires_at IS NOT NULL AND expires_at < CURRENT_TIMESTAMP
		AND status NOT IN ('expired', 'stopped', 'error')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*models.Sandbox
	for rows.Next() {
		s, err := scanSandboxRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ListAllByStatus returns every sandbox across all tenants in the given
// status, for cross-tenant workers (the metrics gauge refresher, shutdown).
func (db *DB) ListAllByStatus(ctx context.Context, status models.Status) ([]*models.Sandbox, error) {
	rows, err := db.QueryContext(ctx, sandboxSelect+` WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Sandbox
	for rows.Next() {
		s, err := scanSandboxRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// UpdateSandboxTransition performs a row-locked read-modify-write of a
// sandbox's lifecycle fields. mutate receives the locked row and returns
// the fields to persist; it is the sole place lifecycle transitions are
// written, so they are serialized per sandbox id per §5.
func (db *DB) UpdateSandboxTransition(ctx context.Context, id string, mutate func(s *models.Sandbox) error) (*models.Sandbox, error) {
	unlock := db.LockRow("sandboxes", id)
	defer unlock()

	var result *models.Sandbox

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		forUpdate := db.ForUpdateClause()
		row := tx.QueryRowContext(ctx, sandboxSelect+` WHERE id = $1`+forUpdate, id)
		s, err := scanSandbox(row)
		if err != nil {
			return err
		}

		if err := mutate(s); err != nil {
			return err
		}

		ports, _ := json.Marshal(s.Ports)
		_, err = tx.ExecContext(ctx, `
			UPDATE sandboxes SET
				container_ref = $1, status = $2, phase = $3, ports = $4,
				started_at = $5, stopped_at = $6, provision_progress = $7, provision_status_text = $8,
				expires_at = $9
			WHERE id = $10
		`, nullable(s.ContainerRef), s.Status, s.Phase, string(ports), s.StartedAt, s.StoppedAt,
			s.ProvisionProgress, s.ProvisionStatusText, s.ExpiresAt, id)
		if err != nil {
			return fmt.Errorf("failed to update sandbox: %w", err)
		}

		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteSandbox hard-deletes a sandbox row (cascading to its logs),
// returning whether a row actually existed.
func (db *DB) DeleteSandbox(ctx context.Context, id, userID string) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete sandbox: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

const sandboxSelect = `
	SELECT id, user_id, environment_id, environment_version_id, name, container_ref, status, phase, ports,
	       created_at, started_at, stopped_at, expires_at, provision_progress, provision_status_text
	FROM sandboxes`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSandbox(row rowScanner) (*models.Sandbox, error) {
	s, err := scanSandboxRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func scanSandboxRows(row rowScanner) (*models.Sandbox, error) {
	var s models.Sandbox
	var containerRef sql.NullString
	var startedAt, stoppedAt, expiresAt sql.NullTime
	var ports string

	err := row.Scan(&s.ID, &s.UserID, &s.EnvironmentID, &s.EnvironmentVersionID, &s.Name, &containerRef,
		&s.Status, &s.Phase, &ports, &s.CreatedAt, &startedAt, &stoppedAt, &expiresAt,
		&s.ProvisionProgress, &s.ProvisionStatusText)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan sandbox: %w", err)
	}

	s.ContainerRef = containerRef.String
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if stoppedAt.Valid {
		s.StoppedAt = &stoppedAt.Time
	}
	if expiresAt.Valid {
		s.ExpiresAt = &expiresAt.Time
	}
	_ = json.Unmarshal([]byte(ports), &s.Ports)

	return &s, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
