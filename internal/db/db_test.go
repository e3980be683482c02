package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"sqlite":     SQLite,
		" Postgres ": Postgres,
		"MYSQL":      MySQL,
	} {
		got, err := ParseDialect(in)
		if err != nil {
			t.Fatalf("ParseDialect(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDialect(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Fatalf("expected error for unsupported database type")
	}
}

func TestNewOpener_Validation(t *testing.T) {
	if _, err := NewOpener(Options{Dialect: Postgres}); err == nil {
		t.Fatalf("expected postgres without dsn to be rejected")
	}
	if _, err := NewOpener(Options{Dialect: "mssql", DSN: "x"}); err == nil {
		t.Fatalf("expected unknown dialect to be rejected")
	}
	o, err := NewOpener(Options{Dialect: SQLite})
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	if o.opts.DataDir != "data" || o.opts.BusyTimeout != DefaultBusyTimeout {
		t.Fatalf("expected defaults to be filled in, got %+v", o.opts)
	}
}

func TestOpenerDSN(t *testing.T) {
	o, err := NewOpener(Options{Dialect: Postgres, DSN: "postgres://u@localhost/app_{namespace}?sslmode=disable"})
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	dsn, err := o.DSN("tables")
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	if want := "postgres://u@localhost/app_tables?sslmode=disable"; dsn != want {
		t.Fatalf("DSN = %q, want %q", dsn, want)
	}

	dir := t.TempDir()
	o, err = NewOpener(Options{Dialect: SQLite, DataDir: dir})
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	dsn, err = o.DSN("survey")
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	if want := filepath.Join(dir, "survey", "sqlite.db"); dsn != want {
		t.Fatalf("DSN = %q, want %q", dsn, want)
	}
	if fi, err := os.Stat(filepath.Join(dir, "survey")); err != nil || !fi.IsDir() {
		t.Fatalf("expected namespace directory to be created: %v", err)
	}
}

func TestCreateBunDB_VariousDialects(t *testing.T) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite in-memory: %v", err)
	}
	defer func() { _ = sqlDB.Close() }()

	for _, d := range []Dialect{SQLite, Postgres, MySQL, "unknown"} {
		if b := createBunDB(sqlDB, d); b == nil {
			t.Fatalf("createBunDB returned nil for dialect %s", d)
		}
	}
}

func TestOpen_SQLOpenFailure(t *testing.T) {
	orig := sqlOpenFunc
	sqlOpenFunc = func(driverName, dsn string) (*sql.DB, error) {
		return nil, os.ErrPermission
	}
	defer func() { sqlOpenFunc = orig }()

	o, err := NewOpener(Options{Dialect: SQLite, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	if _, err := o.Open(t.Context(), "ns", "q"); err == nil || !strings.Contains(err.Error(), "failed to open database") {
		t.Fatalf("expected open failure, got %v", err)
	}
}

func newSQLiteOpener(t *testing.T) *Opener {
	t.Helper()
	o, err := NewOpener(Options{Dialect: SQLite, DataDir: t.TempDir(), BusyTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}
	return o
}

func openConn(t *testing.T, o *Opener, namespace, qualifier string) *Conn {
	t.Helper()
	hc, err := o.Open(t.Context(), namespace, qualifier)
	if err != nil {
		t.Fatalf("Open(%s/%s): %v", namespace, qualifier, err)
	}
	c := hc.(*Conn)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
