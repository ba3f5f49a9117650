package database

import (
	"fmt"

	"go.uber.org/zap"
)

// Migrate runs database migrations idempotently, tracked by a
// schema_version table, per the teacher's migration shape.
func (db *DB) Migrate() error {
	db.logger.Info("running database migrations")

	createVersionTable := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(createVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	db.logger.Info("current schema version", zap.Int("version", currentVersion))

	migrations := getMigrations()
	for version := 1; version <= len(migrations); version++ {
		if version <= currentVersion {
			continue
		}

		migration := migrations[version]
		db.logger.Info("applying migration", zap.Int("version", version))

		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}

		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES ($1)", version); err != nil {
			return fmt.Errorf("failed to record migration version %d: %w", version, err)
		}

		db.logger.Info("migration applied successfully", zap.Int("version", version))
	}

	db.logger.Info("database migrations completed")
	return nil
}

func getMigrations() map[int]string {
	return map[int]string{
		1: initialSchema,
	}
}

const initialSchema = `
-- Users table
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email VARCHAR(255) UNIQUE NOT NULL,
	password_verifier TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- API keys table
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	prefix VARCHAR(32) NOT NULL,
	hashed_secret TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_used_at TIMESTAMP,
	revoked_at TIMESTAMP,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);

-- Environments table
CREATE TABLE IF NOT EXISTS environments (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name VARCHAR(255) NOT NULL,
	current_version_id TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
	UNIQUE(user_id, name)
);

CREATE INDEX IF NOT EXISTS idx_environments_user_id ON environments(user_id);

-- Environment versions table
CREATE TABLE IF NOT EXISTS environment_versions (
	id TEXT PRIMARY KEY,
	environment_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	image TEXT,
	dockerfile TEXT,
	build_files TEXT,
	command TEXT,
	cpu REAL NOT NULL,
	memory_mb INTEGER NOT NULL,
	ports TEXT,
	env TEXT,
	secrets_encrypted TEXT NOT NULL DEFAULT '{}',
	mounts TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (environment_id) REFERENCES environments(id) ON DELETE CASCADE,
	UNIQUE(environment_id, version)
);

CREATE INDEX IF NOT EXISTS idx_environment_versions_env_id ON environment_versions(environment_id);

-- Sandboxes table
CREATE TABLE IF NOT EXISTS sandboxes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	environment_id TEXT NOT NULL,
	environment_version_id TEXT NOT NULL,
	name VARCHAR(255) NOT NULL,
	container_ref TEXT,
	status VARCHAR(20) NOT NULL,
	phase VARCHAR(20) NOT NULL,
	ports TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	stopped_at TIMESTAMP,
	expires_at TIMESTAMP,
	provision_progress INTEGER NOT NULL DEFAULT 0,
	provision_status_text TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
	FOREIGN KEY (environment_id) REFERENCES environments(id) ON DELETE CASCADE,
	UNIQUE(user_id, environment_id, name)
);

CREATE INDEX IF NOT EXISTS idx_sandboxes_user_id ON sandboxes(user_id);
CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);
CREATE INDEX IF NOT EXISTS idx_sandboxes_expires_at ON sandboxes(expires_at);

-- Sandbox logs table
CREATE TABLE IF NOT EXISTS sandbox_logs (
	id TEXT PRIMARY KEY,
	sandbox_id TEXT NOT NULL,
	stream VARCHAR(10) NOT NULL,
	text TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	FOREIGN KEY (sandbox_id) REFERENCES sandboxes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sandbox_logs_sandbox_id ON sandbox_logs(sandbox_id);
CREATE INDEX IF NOT EXISTS idx_sandbox_logs_timestamp ON sandbox_logs(timestamp);

-- Audit logs table
CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	action VARCHAR(100) NOT NULL,
	resource_type VARCHAR(50) NOT NULL,
	resource_id TEXT NOT NULL,
	metadata TEXT,
	client_ip TEXT,
	client_agent TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
`
