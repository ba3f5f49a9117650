// Package database implements the Store: transactional persistence of
// users, environments, versions, sandboxes, logs, and audit entries, plus
// the row-level locking primitive C4/C5 use to serialize updates.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// DB wraps a database connection with driver information and the
// lock table SQLite uses in place of row-level locks.
type DB struct {
	*sql.DB
	driver   string
	logger   *zap.Logger
	rowLocks sync.Map // string key -> *sync.Mutex, sqlite-only
}

// Config is the minimal connection configuration the Store needs.
type Config struct {
	DSN  string // non-empty selects PostgreSQL
	Path string // sqlite file path, used when DSN is empty
}

// NewDB opens a connection, using PostgreSQL when cfg.DSN is set and
// SQLite otherwise, then runs migrations.
func NewDB(cfg Config, logger *zap.Logger) (*DB, error) {
	var sqlDB *sql.DB
	var driver string
	var err error

	if cfg.DSN != "" {
		sqlDB, err = sql.Open("postgres", cfg.DSN)
		driver = "postgres"
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		logger.Info("connected to postgres database")
	} else {
		path := cfg.Path
		if path == "" {
			path = "./sandboxplatform.db"
		}
		sqlDB, err = sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
		driver = "sqlite"
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		logger.Info("connected to sqlite database", zap.String("path", path))
	}

	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: driver, logger: logger}

	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Driver reports which SQL driver backs this Store ("postgres" or "sqlite").
func (db *DB) Driver() string { return db.driver }

// Close closes the database connection.
func (db *DB) Close() error { return db.DB.Close() }

// querier is satisfied by both *sql.DB and *sql.Tx, so helpers can run
// either outside or inside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Transaction wraps fn in BEGIN/COMMIT, rolling back on any error fn
// returns or panics with. Grounded on pkg/permissions.SetAPIKeyPermissions's
// tx/defer-rollback/commit shape in the teacher.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error("rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LockRow serializes updates to a single entity by id. On Postgres this is a
// no-op marker; callers issue `SELECT ... FOR UPDATE` themselves inside the
// transaction. On SQLite, whose locking granularity is coarser, an
// in-process per-id mutex stands in for the database-level lock so the same
// serialization guarantee holds for tests and single-node development use.
// See DESIGN.md for why this asymmetry is invisible to callers.
func (db *DB) LockRow(table, id string) func() {
	if db.driver != "sqlite" {
		return func() {}
	}

	key := table + ":" + id
	m, _ := db.rowLocks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ForUpdateClause returns the SQL suffix that row-locks a SELECT when
// running against PostgreSQL, and the empty string on SQLite (which has no
// equivalent syntax; LockRow substitutes for it there).
func (db *DB) ForUpdateClause() string {
	if db.driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}
