package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

var testTables = MappingTables{Identity: "sp_mapping", Binding: "client_mapping"}

func TestOpenMappingDBSQLite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store", "mapping.db")

	db, dialect, err := OpenMappingDB(context.Background(), "sqlite3", path, testTables)
	if err != nil {
		t.Fatalf("OpenMappingDB: %v", err)
	}
	defer db.Close()

	if dialect != SQLite {
		t.Errorf("dialect = %q, want sqlite3", dialect)
	}

	for _, table := range []string{"sp_mapping", "client_mapping"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("DB file not created: %v", err)
	}
}

func TestOpenMappingDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.db")
	for i := 0; i < 2; i++ {
		db, _, err := OpenMappingDB(context.Background(), "sqlite3", path, testTables)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		db.Close()
	}
}

func TestOpenMappingDBRejectsUnknownDriver(t *testing.T) {
	_, _, err := OpenMappingDB(context.Background(), "mysql", "x", testTables)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenAuditDB(t *testing.T) {
	db, err := OpenAuditDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='audit_log'",
	).Scan(&name)
	if err != nil {
		t.Error("audit_log table not found")
	}
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT (a) DO UPDATE SET b = ?"
	if got := SQLite.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %s", got)
	}
	want := "INSERT INTO t (a, b) VALUES ($1, $2) ON CONFLICT (a) DO UPDATE SET b = $3"
	if got := Postgres.Rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}
