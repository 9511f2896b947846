// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err) // embedded path is fixed at build time
	}
	return sub
}

// V1__initial_schema.up.sql
var migrationName = regexp.MustCompile(`^V(\d+)__(.+)\.(up|down)\.sql$`)

// Migration is one row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// script is a migration file found in the migration filesystem.
type script struct {
	version     int
	description string
	up          string
	down        string
}

// Migrator applies versioned SQL scripts and records them in schema_migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

// NewMigrator creates a new Migrator reading V<n>__<name>.up.sql / .down.sql files from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 for an empty database.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	if err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, errors.Wrap(errors.ErrMigration, "read schema version", err)
	}
	return version, nil
}

// GetAppliedMigrations returns all applied migrations in version order.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "list applied migrations", err)
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, errors.Wrap(errors.ErrMigration, "scan applied migration", err)
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// scripts groups the up and down files by version. Files that do not follow
// the naming scheme are ignored.
func (m *Migrator) scripts() ([]*script, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, errors.Wrap(errors.ErrMigration, "read migrations", err)
	}

	byVersion := make(map[int]*script)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil || version <= 0 {
			continue
		}
		s, ok := byVersion[version]
		if !ok {
			s = &script{version: version, description: match[2]}
			byVersion[version] = s
		}
		if match[3] == "up" {
			s.up = entry.Name()
		} else {
			s.down = entry.Name()
		}
	}

	out := make([]*script, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Pending returns the versions that Up would apply.
func (m *Migrator) Pending() ([]int, error) {
	applied, err := m.appliedVersions()
	if err != nil {
		return nil, err
	}
	scripts, err := m.scripts()
	if err != nil {
		return nil, err
	}

	var pending []int
	for _, s := range scripts {
		if _, ok := applied[s.version]; !ok {
			pending = append(pending, s.version)
		}
	}
	return pending, nil
}

func (m *Migrator) appliedVersions() (map[int]Migration, error) {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return nil, err
	}
	out := make(map[int]Migration, len(applied))
	for _, mig := range applied {
		out[mig.Version] = mig
	}
	return out, nil
}

// Up applies all pending migrations in version order, each in its own transaction.
func (m *Migrator) Up() error {
	applied, err := m.appliedVersions()
	if err != nil {
		return err
	}
	scripts, err := m.scripts()
	if err != nil {
		return err
	}

	for _, s := range scripts {
		if _, ok := applied[s.version]; ok {
			continue
		}
		if err := m.apply(s); err != nil {
			return err
		}
		logging.Info("Migration applied", map[string]interface{}{
			"version":     s.version,
			"description": s.description,
		})
	}
	return nil
}

func (m *Migrator) apply(s *script) error {
	content, err := fs.ReadFile(m.fsys, s.up)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("read %s", s.up), err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "begin migration", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("apply V%d", s.version), err)
	}
	_, err = tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		s.version, time.Now().Unix(), s.description, checksum(content))
	if err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("record V%d", s.version), err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("commit V%d", s.version), err)
	}
	return nil
}

// Verify fails when an applied migration's script changed after it ran or
// is missing from the migration set.
func (m *Migrator) Verify() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}
	scripts, err := m.scripts()
	if err != nil {
		return err
	}
	byVersion := make(map[int]*script, len(scripts))
	for _, s := range scripts {
		byVersion[s.version] = s
	}

	for _, mig := range applied {
		s, ok := byVersion[mig.Version]
		if !ok {
			return errors.Newf(errors.ErrMigration, "applied migration V%d has no script", mig.Version)
		}
		content, err := fs.ReadFile(m.fsys, s.up)
		if err != nil {
			return errors.Wrap(errors.ErrMigration, fmt.Sprintf("read %s", s.up), err)
		}
		if checksum(content) != mig.Checksum {
			return errors.Newf(errors.ErrMigration, "migration V%d changed after it was applied", mig.Version)
		}
	}
	return nil
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New(errors.ErrMigration, "no migrations to roll back")
	}

	scripts, err := m.scripts()
	if err != nil {
		return err
	}
	var target *script
	for _, s := range scripts {
		if s.version == current {
			target = s
		}
	}
	if target == nil || target.down == "" {
		return errors.Newf(errors.ErrMigration, "no rollback script for version %d", current)
	}

	content, err := fs.ReadFile(m.fsys, target.down)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("read %s", target.down), err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "begin rollback", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("roll back V%d", current), err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("unrecord V%d", current), err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrMigration, fmt.Sprintf("commit rollback of V%d", current), err)
	}
	logging.Info("Migration rolled back", map[string]interface{}{"version": current})
	return nil
}
