package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB represents the database connection with pooling
type DB struct {
	*sql.DB
	pool     *ConnectionPool
	prepared map[string]*sql.Stmt
	mutex    sync.RWMutex
}

// ConnectionPool manages database connection pooling
type ConnectionPool struct {
	db           *sql.DB
	maxOpenConns int
	maxIdleConns int
	maxLifetime  time.Duration
}

// NewConnectionPool creates a new database connection pool
func NewConnectionPool(db *sql.DB, maxOpen, maxIdle int, maxLifetime time.Duration) *ConnectionPool {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	return &ConnectionPool{
		db:           db,
		maxOpenConns: maxOpen,
		maxIdleConns: maxIdle,
		maxLifetime:  maxLifetime,
	}
}

// GetStats returns connection pool statistics
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	stats := cp.db.Stats()

	return map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"max_open_connections": cp.maxOpenConns,
		"max_idle_connections": cp.maxIdleConns,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// NewDB opens the SQLite database under dataDir, runs migrations and prepares statements
func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "fraudscope.db")

	// WAL lets history reads proceed while a batch is being written
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", dbPath)

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pool := NewConnectionPool(sqlDB, 8, 4, 30*time.Minute)

	database := &DB{
		DB:       sqlDB,
		pool:     pool,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := database.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := database.initPreparedStatements(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize prepared statements: %w", err)
	}

	slog.Info("Database initialized",
		"path", dbPath,
		"max_open_conns", pool.maxOpenConns,
		"max_idle_conns", pool.maxIdleConns)

	return database, nil
}

// wrap adopts an already opened connection without migrating it
func wrap(sqlDB *sql.DB) *DB {
	return &DB{
		DB:       sqlDB,
		pool:     NewConnectionPool(sqlDB, 8, 4, 30*time.Minute),
		prepared: make(map[string]*sql.Stmt),
	}
}

// migrate creates the necessary tables
func (db *DB) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS prediction_batches (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			created_at INTEGER NOT NULL, -- unix nanoseconds, UTC
			fraud_count INTEGER NOT NULL,
			legit_count INTEGER NOT NULL,
			unscored_count INTEGER NOT NULL,
			unscored TEXT NOT NULL DEFAULT '[]' -- JSON row faults
		)`,

		`CREATE TABLE IF NOT EXISTS prediction_results (
			batch_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			row_index INTEGER NOT NULL,
			label TEXT NOT NULL,
			probability REAL NOT NULL,
			features TEXT NOT NULL, -- JSON feature vector
			PRIMARY KEY (batch_id, idx),
			FOREIGN KEY (batch_id) REFERENCES prediction_batches(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_prediction_batches_owner_created
			ON prediction_batches(owner_id, created_at DESC, sequence DESC)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// initPreparedStatements initializes the read statements used on every request
func (db *DB) initPreparedStatements() error {
	statements := map[string]string{
		stmtCountBatches: `SELECT COUNT(*) FROM prediction_batches WHERE owner_id = ?`,

		stmtListBatches: `SELECT id, sequence, created_at, fraud_count, legit_count, unscored_count
			FROM prediction_batches
			WHERE owner_id = ?
			ORDER BY created_at DESC, sequence DESC
			LIMIT ? OFFSET ?`,

		stmtGetBatch: `SELECT id, owner_id, sequence, created_at, fraud_count, legit_count, unscored_count, unscored
			FROM prediction_batches
			WHERE id = ? AND owner_id = ?`,

		stmtGetResults: `SELECT idx, row_index, label, probability, features
			FROM prediction_results
			WHERE batch_id = ?
			ORDER BY idx ASC`,
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	for name, query := range statements {
		stmt, err := db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		db.prepared[name] = stmt

		slog.Debug("Prepared statement initialized", "name", name)
	}

	return nil
}

// query runs a prepared statement when available and falls back to the raw query
func (db *DB) query(ctx context.Context, name, query string, args ...any) (*sql.Rows, error) {
	if stmt, err := db.GetPreparedStatement(name); err == nil {
		return stmt.QueryContext(ctx, args...)
	}
	return db.QueryContext(ctx, query, args...)
}

func (db *DB) queryRow(ctx context.Context, name, query string, args ...any) *sql.Row {
	if stmt, err := db.GetPreparedStatement(name); err == nil {
		return stmt.QueryRowContext(ctx, args...)
	}
	return db.QueryRowContext(ctx, query, args...)
}

// GetPreparedStatement retrieves a prepared statement
func (db *DB) GetPreparedStatement(name string) (*sql.Stmt, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	stmt, exists := db.prepared[name]
	if !exists {
		return nil, fmt.Errorf("prepared statement %s not found", name)
	}

	return stmt, nil
}

// GetPoolStats returns database connection pool statistics
func (db *DB) GetPoolStats() map[string]interface{} {
	return db.pool.GetStats()
}

// Close closes the database connection and prepared statements
func (db *DB) Close() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	for name, stmt := range db.prepared {
		if err := stmt.Close(); err != nil {
			slog.Warn("Failed to close prepared statement", "name", name, "error", err)
		}
	}

	db.prepared = make(map[string]*sql.Stmt)

	return db.DB.Close()
}
