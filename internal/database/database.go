package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite store shared by every pipeline stage.
type DB struct {
	conn *sqlx.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; also keeps PRAGMAs on the single connection.
	raw.SetMaxOpenConns(1)

	if _, err := raw.Exec("PRAGMA journal_mode=WAL"); err != nil {
		raw.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := raw.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		raw.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	if err := migrate(raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	// sqlite3 selects '?' bindvars for sqlx.
	return &DB{conn: sqlx.NewDb(raw, "sqlite3"), path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Conn exposes the query handle for stages that run their own SQL.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}
