// Package events keeps a lifecycle journal of cells and jobs in sqlite.
// The journal is an operator aid: writes are best-effort and the daemon
// never fails a request because of it.
package events

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is the sqlite-backed event log.
type Journal struct {
	db *sql.DB
}

// Entry is one recorded lifecycle event.
type Entry struct {
	ID        int64
	Entity    string
	Event     string
	Detail    string
	Timestamp time.Time
}

// Open opens (or creates) the journal at dsn and applies migrations.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one event for an entity (a cell id or job id).
func (j *Journal) Append(entity, event, detail string) error {
	_, err := j.db.Exec("INSERT INTO events (entity, event, detail) VALUES (?, ?, ?)",
		entity, event, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListByEntity returns every event recorded for one entity, oldest first.
func (j *Journal) ListByEntity(entity string) ([]*Entry, error) {
	return j.list("SELECT id, entity, event, detail, timestamp FROM events WHERE entity = ? ORDER BY id", entity)
}

// ListRecent returns the most recent events, newest first.
func (j *Journal) ListRecent(limit int) ([]*Entry, error) {
	return j.list("SELECT id, entity, event, detail, timestamp FROM events ORDER BY id DESC LIMIT ?", limit)
}

func (j *Journal) list(query string, args ...any) ([]*Entry, error) {
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Entity, &e.Event, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (j *Journal) migrate() error {
	if _, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := j.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
