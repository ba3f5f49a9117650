package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// InsertAudit records an audit entry. Failures here are logged by the
// caller but never block the operation they describe.
func (db *DB) InsertAudit(ctx context.Context, a *models.AuditEntry) error {
	metadata, _ := json.Marshal(a.Metadata)

	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, resource_type, resource_id, metadata, client_ip, client_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.UserID, a.Action, a.ResourceType, a.ResourceID, string(metadata), a.ClientIP, a.ClientAgent, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a user's audit entries newest-first, paginated by
// limit/offset.
func (db *DB) ListAudit(ctx context.Context, userID string, limit, offset int) ([]*models.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, action, resource_type, resource_id, metadata, client_ip, client_agent, created_at
		FROM audit_logs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var a models.AuditEntry
		var metadata sql.NullString
		var clientIP, clientAgent sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Action, &a.ResourceType, &a.ResourceID, &metadata, &clientIP, &clientAgent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &a.Metadata)
		}
		a.ClientIP = clientIP.String
		a.ClientAgent = clientAgent.String
		out = append(out, &a)
	}
	return out, nil
}

// PurgeAuditOlderThanDays deletes audit rows older than the retention
// window, for the background retention cleaner.
func (db *DB) PurgeAuditOlderThanDays(ctx context.Context, days int) (int64, error) {
	result, err := db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM audit_logs WHERE created_at < %s`, cutoffExpr(db.driver, days)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge old audit entries: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
