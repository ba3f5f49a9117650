package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// CreateEnvironmentWithFirstVersion inserts the environment row and its
// version 1 in one transaction, then flips current_version_id, per §4.4.
func (db *DB) CreateEnvironmentWithFirstVersion(ctx context.Context, env *models.Environment, v *models.EnvironmentVersion) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO environments (id, user_id, name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, env.ID, env.UserID, env.Name, env.CreatedAt, env.UpdatedAt); err != nil {
			if IsUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to insert environment: %w", err)
		}

		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE environments SET current_version_id = $1 WHERE id = $2
		`, v.ID, env.ID); err != nil {
			return fmt.Errorf("failed to set current version: %w", err)
		}

		env.CurrentVersionID = v.ID
		return nil
	})
}

func insertVersion(ctx context.Context, tx *sql.Tx, v *models.EnvironmentVersion) error {
	buildFiles, _ := json.Marshal(v.BuildFiles)
	command, _ := json.Marshal(v.Command)
	ports, _ := json.Marshal(v.Ports)
	env, _ := json.Marshal(v.Env)
	secrets, _ := json.Marshal(v.SecretsEncrypted)
	mounts, _ := json.Marshal(v.Mounts)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO environment_versions
			(id, environment_id, version, image, dockerfile, build_files, command, cpu, memory_mb, ports, env, secrets_encrypted, mounts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, v.ID, v.EnvironmentID, v.Version, v.Image, v.Dockerfile, string(buildFiles), string(command),
		v.CPU, v.MemoryMB, string(ports), string(env), string(secrets), string(mounts), v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert environment version: %w", err)
	}
	return nil
}

// GetEnvironment fetches an environment scoped to its owner.
func (db *DB) GetEnvironment(ctx context.Context, id, userID string) (*models.Environment, error) {
	var e models.Environment
	var currentVersionID sql.NullString

	err := db.QueryRowContext(ctx, `
		SELECT id, user_id, name, current_version_id, created_at, updated_at
		FROM environments WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&e.ID, &e.UserID, &e.Name, &currentVersionID, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	if currentVersionID.Valid {
		e.CurrentVersionID = currentVersionID.String
	}
	return &e, nil
}

// ListEnvironments lists all environments owned by a user.
func (db *DB) ListEnvironments(ctx context.Context, userID string) ([]*models.Environment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, name, current_version_id, created_at, updated_at
		FROM environments WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var out []*models.Environment
	for rows.Next() {
		var e models.Environment
		var currentVersionID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &currentVersionID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		if currentVersionID.Valid {
			e.CurrentVersionID = currentVersionID.String
		}
		out = append(out, &e)
	}
	return out, nil
}

// CountEnvironments returns how many environments a user owns, for quota
// enforcement.
func (db *DB) CountEnvironments(ctx context.Context, userID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM environments WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count environments: %w", err)
	}
	return count, nil
}

// GetVersion fetches a specific immutable version row.
func (db *DB) GetVersion(ctx context.Context, id string) (*models.EnvironmentVersion, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, environment_id, version, image, dockerfile, build_files, command, cpu, memory_mb, ports, env, secrets_encrypted, mounts, created_at
		FROM environment_versions WHERE id = $1
	`, id)
	return scanVersion(row)
}

// GetCurrentVersion fetches the environment's current version row.
func (db *DB) GetCurrentVersion(ctx context.Context, environmentID string) (*models.EnvironmentVersion, error) {
	row := db.QueryRowContext(ctx, `
		SELECT v.id, v.environment_id, v.version, v.image, v.dockerfile, v.build_files, v.command, v.cpu, v.memory_mb, v.ports, v.env, v.secrets_encrypted, v.mounts, v.created_at
		FROM environment_versions v
		JOIN environments e ON e.current_version_id = v.id
		WHERE e.id = $1
	`, environmentID)
	return scanVersion(row)
}

func scanVersion(row *sql.Row) (*models.EnvironmentVersion, error) {
	var v models.EnvironmentVersion
	var image, dockerfile sql.NullString
	var buildFiles, command, ports, env, secrets, mounts string

	err := row.Scan(&v.ID, &v.EnvironmentID, &v.Version, &image, &dockerfile, &buildFiles, &command,
		&v.CPU, &v.MemoryMB, &ports, &env, &secrets, &mounts, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment version: %w", err)
	}

	v.Image = image.String
	v.Dockerfile = dockerfile.String
	_ = json.Unmarshal([]byte(buildFiles), &v.BuildFiles)
	_ = json.Unmarshal([]byte(command), &v.Command)
	_ = json.Unmarshal([]byte(ports), &v.Ports)
	_ = json.Unmarshal([]byte(env), &v.Env)
	_ = json.Unmarshal([]byte(secrets), &v.SecretsEncrypted)
	_ = json.Unmarshal([]byte(mounts), &v.Mounts)

	return &v, nil
}

// AppendVersion inserts the next immutable version row and flips the
// environment's current_version_id, all inside one row-locked transaction,
// per §4.4's update_environment. build receives the current version so the
// caller can construct the next one from it without a second round trip.
func (db *DB) AppendVersion(ctx context.Context, environmentID, userID string, build func(current *models.EnvironmentVersion) (*models.EnvironmentVersion, error)) (*models.EnvironmentVersion, error) {
	unlock := db.LockRow("environments", environmentID)
	defer unlock()

	var next *models.EnvironmentVersion

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		forUpdate := db.ForUpdateClause()
		var ownerID string
		if err := tx.QueryRowContext(ctx, `SELECT user_id FROM environments WHERE id = $1`+forUpdate, environmentID).Scan(&ownerID); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock environment: %w", err)
		}
		if ownerID != userID {
			return ErrNotFound
		}

		current, err := db.GetCurrentVersion(ctx, environmentID)
		if err != nil {
			return err
		}

		built, err := build(current)
		if err != nil {
			return err
		}
		next = built

		if err := insertVersion(ctx, tx, next); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE environments SET current_version_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2
		`, next.ID, environmentID); err != nil {
			return fmt.Errorf("failed to update current version: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return next, nil
}

// UpdateSecretsOnCurrentVersion mutates the current version's
// secrets_encrypted column in place, per the Open Question decision recorded
// in DESIGN.md (mutate, don't version, secret changes).
func (db *DB) UpdateSecretsOnCurrentVersion(ctx context.Context, environmentID, userID string, mutate func(secrets map[string]string) map[string]string) error {
	unlock := db.LockRow("environments", environmentID)
	defer unlock()

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		forUpdate := db.ForUpdateClause()
		var ownerID, versionID string
		err := tx.QueryRowContext(ctx, `
			SELECT user_id, current_version_id FROM environments WHERE id = $1`+forUpdate, environmentID).
			Scan(&ownerID, &versionID)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock environment: %w", err)
		}
		if ownerID != userID {
			return ErrNotFound
		}

		var secretsJSON string
		if err := tx.QueryRowContext(ctx, `SELECT secrets_encrypted FROM environment_versions WHERE id = $1`, versionID).Scan(&secretsJSON); err != nil {
			return fmt.Errorf("failed to load secrets: %w", err)
		}

		var secrets map[string]string
		_ = json.Unmarshal([]byte(secretsJSON), &secrets)

		updated := mutate(secrets)
		encoded, _ := json.Marshal(updated)

		if _, err := tx.ExecContext(ctx, `UPDATE environment_versions SET secrets_encrypted = $1 WHERE id = $2`, string(encoded), versionID); err != nil {
			return fmt.Errorf("failed to update secrets: %w", err)
		}

		return nil
	})
}

// DeleteEnvironment deletes an environment row (cascades to its versions
// via foreign keys). Caller is responsible for ensuring no live sandboxes
// block deletion.
func (db *DB) DeleteEnvironment(ctx context.Context, id, userID string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM environments WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
