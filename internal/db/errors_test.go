package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/toeirei/dbsession/internal/factory"
)

func TestClassify_LockErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"postgres lock not available", &pgconn.PgError{Code: "55P03", Message: "could not obtain lock"}},
		{"postgres serialization failure", &pgconn.PgError{Code: "40001"}},
		{"postgres deadlock", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"})},
		{"mysql lock wait timeout", &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}},
		{"sqlite text", errors.New("database is locked (5) (SQLITE_BUSY)")},
		{"sqlite table text", errors.New("database table is locked")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			mapped := Classify(c.err)
			if !errors.Is(mapped, factory.ErrLocked) {
				t.Fatalf("expected ErrLocked for %s, got: %v", c.name, mapped)
			}
			if !factory.IsTransient(mapped) {
				t.Fatalf("expected %s to be transient", c.name)
			}
			if !errors.Is(mapped, c.err) {
				t.Fatalf("expected original error to stay in the chain")
			}
		})
	}
}

func TestClassify_Duplicates(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"postgres unique violation", &pgconn.PgError{Code: "23505"}},
		{"mysql duplicate entry", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'PRIMARY'"}},
		{"sqlite unique text", errors.New("UNIQUE constraint failed: dbsession_kv.k")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if mapped := Classify(c.err); !errors.Is(mapped, ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate for %s, got: %v", c.name, mapped)
			}
		})
	}
}

func TestClassify_Passthrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}

	e := errors.New("some network error")
	if mapped := Classify(e); mapped != e {
		t.Fatalf("expected original error to be returned unchanged, got: %v", mapped)
	}

	pe := &pgconn.PgError{Code: "42P01"}
	if mapped := Classify(pe); errors.Is(mapped, factory.ErrLocked) || errors.Is(mapped, ErrDuplicate) {
		t.Fatalf("did not expect undefined_table to be classified, got: %v", mapped)
	}

	// Already classified errors are not wrapped twice.
	locked := fmt.Errorf("%w: busy", factory.ErrLocked)
	if mapped := Classify(locked); mapped != locked {
		t.Fatalf("expected classified error to pass through, got: %v", mapped)
	}
}
