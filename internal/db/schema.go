// Package db opens the scopebroker databases: the identity mapping store
// (sqlite3 for local use, Postgres through pgx in production) and the
// append-only sqlite audit log.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour behind a *sql.DB. Its value is the
// database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "pgx"
)

// Rebind rewrites ? placeholders into the dialect's positional form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MappingTables names the two mapping tables.
type MappingTables struct {
	Identity string // external user id -> service identity
	Binding  string // application id -> client id
}

// MappingSchema returns the statements creating the mapping tables.
// Table names must already be validated as SQL identifiers.
func MappingSchema(t MappingTables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    external_user_id TEXT PRIMARY KEY,
    identity_handle  TEXT NOT NULL,
    application_id   TEXT NOT NULL UNIQUE,
    created_at       TEXT NOT NULL
)`, t.Identity),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    application_id TEXT PRIMARY KEY,
    client_id      TEXT NOT NULL,
    updated_at     TEXT NOT NULL
)`, t.Binding),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_client ON %s(client_id)`,
			strings.ReplaceAll(t.Binding, ".", "_"), t.Binding),
	}
}

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    activation_id   TEXT DEFAULT '',
    user_id         TEXT DEFAULT '',
    operator        TEXT NOT NULL DEFAULT 'broker',
    event_type      TEXT NOT NULL,
    detail          TEXT DEFAULT '{}',
    record_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_activation ON audit_log(activation_id);
`

// OpenMappingDB opens the mapping store for driver and creates its tables.
// For sqlite3 the DSN is a file path.
func OpenMappingDB(ctx context.Context, driver, dsn string, tables MappingTables) (*sql.DB, Dialect, error) {
	dialect := Dialect(driver)
	switch dialect {
	case SQLite:
		if err := EnsureDir(filepath.Dir(dsn)); err != nil {
			return nil, "", err
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case Postgres:
	default:
		return nil, "", fmt.Errorf("unsupported mapping store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("opening mapping db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("connecting to mapping db: %w", err)
	}

	for _, stmt := range MappingSchema(tables) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, "", fmt.Errorf("initializing mapping schema: %w", err)
		}
	}
	return db, dialect, nil
}

// OpenAuditDB opens or creates the append-only audit database at path.
func OpenAuditDB(path string) (*sql.DB, error) {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(AuditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return db, nil
}

// EnsureDir creates a private directory if it does not exist.
func EnsureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	return nil
}
