// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	// SQL drivers registered with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/toeirei/dbsession/internal/handle"
)

// Dialect names a supported database engine.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// NamespacePlaceholder is replaced by the namespace in DSN templates.
const NamespacePlaceholder = "{namespace}"

// DefaultBusyTimeout is how long SQLite waits on a locked database before
// reporting SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// sqlOpenFunc allows tests to override database opening behavior.
var sqlOpenFunc = sql.Open

// ParseDialect validates a configured database type.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case SQLite, Postgres, MySQL:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported database type: '%s'", s)
	}
}

// driverName maps a dialect to its database/sql driver. The pgx stdlib
// registers itself as "pgx".
func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return string(d)
}

// Options configures an Opener.
type Options struct {
	Dialect Dialect
	// DSN may contain NamespacePlaceholder. An empty SQLite DSN resolves to
	// <DataDir>/<namespace>/sqlite.db.
	DSN         string
	DataDir     string
	BusyTimeout time.Duration
}

// Opener opens one physical connection per session.
type Opener struct {
	opts Options
}

// NewOpener validates opts and returns an Opener.
func NewOpener(opts Options) (*Opener, error) {
	d, err := ParseDialect(string(opts.Dialect))
	if err != nil {
		return nil, err
	}
	opts.Dialect = d
	if opts.DSN == "" && d != SQLite {
		return nil, fmt.Errorf("database type %s requires a dsn", d)
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	return &Opener{opts: opts}, nil
}

// Dialect returns the engine this opener connects to.
func (o *Opener) Dialect() Dialect { return o.opts.Dialect }

// DSN renders the data source name for namespace. For the default SQLite
// location the namespace directory is created.
func (o *Opener) DSN(namespace string) (string, error) {
	if o.opts.DSN != "" {
		return strings.ReplaceAll(o.opts.DSN, NamespacePlaceholder, namespace), nil
	}
	dir := filepath.Join(o.opts.DataDir, namespace)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "sqlite.db"), nil
}

// Open connects a new session. The returned connection belongs to the
// caller; lock contention while connecting wraps factory.ErrLocked.
func (o *Opener) Open(ctx context.Context, namespace, qualifier string) (handle.Conn, error) {
	dsn, err := o.DSN(namespace)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc(o.opts.Dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection per session: transactions and SQLite pragmas are
	// per-connection state, so the pool must never swap it out.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, Classify(fmt.Errorf("connect %s/%s: %w", namespace, qualifier, err))
	}

	c := &Conn{
		namespace: namespace,
		qualifier: qualifier,
		dialect:   o.opts.Dialect,
		db:        createBunDB(sqlDB, o.opts.Dialect),
	}
	if o.opts.Dialect == SQLite {
		pragmas := []string{
			fmt.Sprintf("PRAGMA busy_timeout = %d", o.opts.BusyTimeout.Milliseconds()),
			"PRAGMA foreign_keys = ON",
		}
		for _, p := range pragmas {
			if _, err := c.exec(ctx, p); err != nil {
				_ = sqlDB.Close()
				return nil, fmt.Errorf("connect %s/%s: %s: %w", namespace, qualifier, p, err)
			}
		}
	}
	dbLogf("db: opened %s session %s/%s in %s", o.opts.Dialect, namespace, qualifier, time.Since(start))
	return c, nil
}

// createBunDB constructs a *bun.DB for the provided *sql.DB and dialect.
func createBunDB(sqlDB *sql.DB, d Dialect) *bun.DB {
	switch d {
	case Postgres:
		return bun.NewDB(sqlDB, pgdialect.New())
	case MySQL:
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// ErrNotSQLConn is returned by helpers that need a *Conn from this package.
var ErrNotSQLConn = errors.New("connection is not a SQL session")

func asConn(c handle.Conn) (*Conn, error) {
	sc, ok := c.(*Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotSQLConn, c)
	}
	return sc, nil
}
