package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// InsertLog persists one log line from a sandbox's container.
func (db *DB) InsertLog(ctx context.Context, l *models.SandboxLog) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sandbox_logs (id, sandbox_id, stream, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, l.ID, l.SandboxID, l.Stream, l.Text, l.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert sandbox log: %w", err)
	}
	return nil
}

// ListRecentLogs returns the most recent n log lines for a sandbox in
// chronological order, for the log hub's replay-on-connect and the logs
// endpoint's tail.
func (db *DB) ListRecentLogs(ctx context.Context, sandboxID string, n int) ([]*models.SandboxLog, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sandbox_id, stream, text, timestamp FROM sandbox_logs
		WHERE sandbox_id = $1 ORDER BY timestamp DESC LIMIT $2
	`, sandboxID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox logs: %w", err)
	}
	defer rows.Close()

	var out []*models.SandboxLog
	for rows.Next() {
		var l models.SandboxLog
		if err := rows.Scan(&l.ID, &l.SandboxID, &l.Stream, &l.Text, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox log: %w", err)
		}
		out = append(out, &l)
	}

	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountLogs returns how many log rows exist for a sandbox, for the
// per-sandbox retention cap.
func (db *DB) CountLogs(ctx context.Context, sandboxID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sandbox_logs WHERE sandbox_id = $1`, sandboxID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sandbox logs: %w", err)
	}
	return count, nil
}

// TrimLogsOverCap deletes the oldest rows for a sandbox beyond maxEntries,
// enforcing the per-sandbox retention cap independent of age.
func (db *DB) TrimLogsOverCap(ctx context.Context, sandboxID string, maxEntries int) (int64, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM sandbox_logs WHERE id IN (
			SELECT id FROM sandbox_logs WHERE sandbox_id = $1
			ORDER BY timestamp DESC
			LIMIT -1 OFFSET $2
		)
	`, sandboxID, maxEntries)
	if err != nil {
		// sqlite supports LIMIT -1 OFFSET n; postgres does not, fall back to a
		// subquery form that works on both.
		result, err = db.execTrimPortable(ctx, sandboxID, maxEntries)
		if err != nil {
			return 0, fmt.Errorf("failed to trim sandbox logs: %w", err)
		}
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (db *DB) execTrimPortable(ctx context.Context, sandboxID string, maxEntries int) (sql.Result, error) {
	return db.ExecContext(ctx, `
		DELETE FROM sandbox_logs WHERE sandbox_id = $1 AND id NOT IN (
			SELECT id FROM sandbox_logs WHERE sandbox_id = $1 ORDER BY timestamp DESC LIMIT $2
		)
	`, sandboxID, maxEntries)
}

// PurgeLogsOlderThanDays deletes log rows older than the retention window,
// for the background retention cleaner. The two drivers spell "n days ago"
// differently, so the cutoff clause is built per driver rather than bound
// as a parameter.
func (db *DB) PurgeLogsOlderThanDays(ctx context.Context, days int) (int64, error) {
	result, err := db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM sandbox_logs WHERE timestamp < %s`, cutoffExpr(db.driver, days)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge old sandbox logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// cutoffExpr renders a "days ago" SQL expression for the active driver.
func cutoffExpr(driver string, days int) string {
	if driver == "postgres" {
		return fmt.Sprintf("CURRENT_TIMESTAMP - INTERVAL '%d days'", days)
	}
	return fmt.Sprintf("datetime('now', '-%d days')", days)
}
