// Package db provides the SQLite store behind the relay: the outbound queue,
// upload sessions and their chunks, history, per-target state and drafts.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/notestash/relay/internal/errors"
)

// FileName is the database file created inside the data directory.
const FileName = "notestash.db"

// pragmas are applied to every connection. synchronous=FULL makes a
// committed enqueue survive power loss.
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA synchronous=FULL;",
}

// DB wraps the sql.DB opened on the data directory.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database in dataDir.
// A single connection is used, so writers are serialized.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "create data directory", err)
	}

	path := filepath.Join(dataDir, FileName)
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "open database", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("apply %s", p), err)
		}
	}
	return &DB{DB: conn, path: path}, nil
}

// OpenAndMigrate opens the database, applies pending embedded migrations and
// checks that applied ones were not edited since.
func OpenAndMigrate(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}

	m := NewMigrator(database.DB, Migrations())
	for _, step := range []func() error{m.Initialize, m.Up, m.Verify} {
		if err := step(); err != nil {
			database.Close()
			return nil, err
		}
	}
	return database, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
