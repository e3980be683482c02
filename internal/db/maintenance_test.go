package db

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/toeirei/dbsession/internal/testutil"
)

func newMockConn(t *testing.T, d Dialect) (*Conn, sqlmock.Sqlmock) {
	t.Helper()
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	c := &Conn{namespace: "ns", qualifier: "ns-internal", dialect: d, db: createBunDB(dbMock, d)}
	t.Cleanup(func() { _ = c.Close() })
	return c, mock
}

func TestMaintain_Sqlite_WithMock(t *testing.T) {
	c, mock := newMockConn(t, SQLite)

	// A failing optimize is tolerated.
	mock.ExpectExec("PRAGMA optimize").WillReturnError(errors.New("optimize fail"))
	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`PRAGMA wal_checkpoint\(`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("PRAGMA integrity_check").WillReturnRows(sqlmock.NewRows([]string{"integrity_check"}).AddRow("ok"))

	if err := Maintain(t.Context(), c, MaintainOptions{}); err != nil {
		t.Fatalf("expected maintenance success, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMaintain_Sqlite_IntegrityFailure(t *testing.T) {
	c, mock := newMockConn(t, SQLite)

	mock.ExpectExec("PRAGMA optimize").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`PRAGMA wal_checkpoint\(`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("PRAGMA integrity_check").WillReturnRows(sqlmock.NewRows([]string{"integrity_check"}).AddRow("page 3 is never used"))

	if err := Maintain(t.Context(), c, MaintainOptions{}); err == nil {
		t.Fatalf("expected integrity_check failure to be reported")
	}
}

func TestMaintain_Sqlite_SkipIntegrity(t *testing.T) {
	c, mock := newMockConn(t, SQLite)

	mock.ExpectExec("PRAGMA optimize").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`PRAGMA wal_checkpoint\(`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Maintain(t.Context(), c, MaintainOptions{SkipIntegrity: true}); err != nil {
		t.Fatalf("expected maintenance success, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMaintain_Postgres_WithMock(t *testing.T) {
	c, mock := newMockConn(t, Postgres)
	mock.ExpectExec("VACUUM ANALYZE").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Maintain(t.Context(), c, MaintainOptions{}); err != nil {
		t.Fatalf("expected postgres maintenance to succeed, got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMaintain_MySQL_WithMock(t *testing.T) {
	c, mock := newMockConn(t, MySQL)
	mock.ExpectQuery("SHOW TABLES").WillReturnRows(sqlmock.NewRows([]string{"Tables_in_app"}).AddRow("dbsession_kv").AddRow("dbsession_meta"))
	mock.ExpectExec(regexp.QuoteMeta("OPTIMIZE TABLE `dbsession_kv`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("OPTIMIZE TABLE `dbsession_meta`")).WillReturnError(errors.New("optimize fail"))

	err := Maintain(t.Context(), c, MaintainOptions{})
	if err == nil {
		t.Fatalf("expected error when one OPTIMIZE TABLE fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("every table should still be visited: %v", err)
	}
}

func TestMaintain_Refusals(t *testing.T) {
	fake, err := testutil.NewFakeOpener().Open(t.Context(), "ns", "q")
	if err != nil {
		t.Fatalf("fake open: %v", err)
	}
	if err := Maintain(t.Context(), fake, MaintainOptions{}); !errors.Is(err, ErrNotSQLConn) {
		t.Fatalf("expected ErrNotSQLConn, got %v", err)
	}

	c, _ := newMockConn(t, Postgres)
	c.depth = 1
	if err := Maintain(t.Context(), c, MaintainOptions{}); err == nil {
		t.Fatalf("expected maintenance inside a transaction to be refused")
	}
	c.depth = 0
}

func TestMaintain_SqliteSmoke(t *testing.T) {
	c := openConn(t, newSQLiteOpener(t), "tables", "tables-internal")
	if err := Maintain(t.Context(), c, MaintainOptions{}); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
}
