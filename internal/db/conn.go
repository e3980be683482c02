// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
)

// schemaVersionModel is the one-row version table used where the engine has
// no user_version pragma.
type schemaVersionModel struct {
	bun.BaseModel `bun:"table:dbsession_schema_version"`
	ID            int `bun:"id,pk"`
	Version       int `bun:"version,notnull"`
}

// Conn is one session's connection. Nested BeginExclusive calls become
// savepoints. Conn is not safe for concurrent use; the owning session handle
// serializes access.
type Conn struct {
	namespace string
	qualifier string
	dialect   Dialect
	db        *bun.DB
	depth     int
	closed    bool
}

// Bun exposes the session's Bun handle for queries.
func (c *Conn) Bun() *bun.DB { return c.db }

// Dialect returns the engine of this session.
func (c *Conn) Dialect() Dialect { return c.dialect }

// Exec runs a statement on the session connection. Driver errors are
// classified.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.exec(ctx, query, args...)
	return res, Classify(err)
}

func (c *Conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.NewRaw(query, args...).Exec(ctx)
}

func (c *Conn) scan(ctx context.Context, dest any, query string, args ...any) error {
	return c.db.NewRaw(query, args...).Scan(ctx, dest)
}

func savepoint(depth int) string {
	return fmt.Sprintf("dbsession_sp_%d", depth)
}

func (c *Conn) beginStatement() string {
	switch c.dialect {
	case Postgres:
		return "BEGIN ISOLATION LEVEL SERIALIZABLE"
	case MySQL:
		return "START TRANSACTION"
	default:
		return "BEGIN EXCLUSIVE"
	}
}

// BeginExclusive opens a transaction, or a savepoint when one is already
// open.
func (c *Conn) BeginExclusive(ctx context.Context) error {
	stmt := c.beginStatement()
	if c.depth > 0 {
		stmt = "SAVEPOINT " + savepoint(c.depth)
	}
	if _, err := c.exec(ctx, stmt); err != nil {
		return Classify(fmt.Errorf("%s: %w", stmt, err))
	}
	c.depth++
	return nil
}

// Commit commits the innermost transaction level.
func (c *Conn) Commit(ctx context.Context) error {
	if c.depth == 0 {
		return errors.New("commit without transaction")
	}
	stmt := "COMMIT"
	if c.depth > 1 {
		stmt = "RELEASE SAVEPOINT " + savepoint(c.depth-1)
	}
	if _, err := c.exec(ctx, stmt); err != nil {
		return Classify(fmt.Errorf("%s: %w", stmt, err))
	}
	c.depth--
	return nil
}

// Rollback undoes the innermost transaction level. The level is dropped
// even if the statement fails, so a broken connection cannot keep callers
// looping.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.depth == 0 {
		return errors.New("rollback without transaction")
	}
	defer func() { c.depth-- }()
	if c.depth > 1 {
		sp := savepoint(c.depth - 1)
		if _, err := c.exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("rollback to savepoint %s: %w", sp, err)
		}
		if _, err := c.exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("release savepoint %s: %w", sp, err)
		}
		return nil
	}
	if _, err := c.exec(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// InTransaction reports whether a transaction is open.
func (c *Conn) InTransaction() bool { return c.depth > 0 }

// Depth returns the transaction nesting level.
func (c *Conn) Depth() int { return c.depth }

// Version reads the stored schema version; 0 means a fresh database.
func (c *Conn) Version(ctx context.Context) (int, error) {
	if c.dialect == SQLite {
		var v int
		if err := c.scan(ctx, &v, "PRAGMA user_version"); err != nil {
			return 0, Classify(fmt.Errorf("read user_version: %w", err))
		}
		return v, nil
	}
	if err := c.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var row schemaVersionModel
	err := c.db.NewSelect().Model(&row).Where("id = ?", 1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, Classify(fmt.Errorf("read schema version: %w", err))
	}
	return row.Version, nil
}

// SetVersion records the schema version.
func (c *Conn) SetVersion(ctx context.Context, version int) error {
	if c.dialect == SQLite {
		// PRAGMA does not take bind parameters.
		if _, err := c.exec(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			return Classify(fmt.Errorf("set user_version: %w", err))
		}
		return nil
	}
	if err := c.ensureVersionTable(ctx); err != nil {
		return err
	}
	row := &schemaVersionModel{ID: 1, Version: version}
	res, err := c.db.NewUpdate().Model(row).Column("version").WherePK().Exec(ctx)
	if err != nil {
		return Classify(fmt.Errorf("update schema version: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := c.db.NewInsert().Model(row).Exec(ctx); err != nil {
		// MySQL reports 0 affected rows when the value is unchanged.
		if errors.Is(Classify(err), ErrDuplicate) {
			return nil
		}
		return Classify(fmt.Errorf("insert schema version: %w", err))
	}
	return nil
}

func (c *Conn) ensureVersionTable(ctx context.Context) error {
	_, err := c.db.NewCreateTable().Model((*schemaVersionModel)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return Classify(fmt.Errorf("create schema version table: %w", err))
	}
	return nil
}

// Close closes the session's pool. A second call is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	dbLogf("db: closing %s session %s/%s", c.dialect, c.namespace, c.qualifier)
	return c.db.Close()
}
