// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/toeirei/dbsession/internal/handle"
)

// MaintainOptions tunes Maintain.
type MaintainOptions struct {
	// SkipIntegrity skips the SQLite integrity_check, which can take long
	// on large databases.
	SkipIntegrity bool
}

// Maintain performs engine-specific maintenance on a session connection.
// For SQLite this runs PRAGMA optimize, VACUUM, a WAL checkpoint and an
// integrity check. For Postgres it runs VACUUM ANALYZE. For MySQL it runs
// OPTIMIZE TABLE for all tables. The connection must not be inside a
// transaction.
func Maintain(ctx context.Context, conn handle.Conn, opts MaintainOptions) error {
	c, err := asConn(conn)
	if err != nil {
		return err
	}
	if c.InTransaction() {
		return fmt.Errorf("maintenance of %s/%s: transaction in progress", c.namespace, c.qualifier)
	}

	switch c.dialect {
	case SQLite:
		// PRAGMA optimize may not be supported or useful in some
		// environments; treat optimize errors as non-fatal.
		if _, err := c.exec(ctx, "PRAGMA optimize"); err != nil {
			dbLogf("db: sqlite optimize failed (ignored): %v", err)
		}
		if _, err := c.Exec(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("sqlite vacuum failed: %w", err)
		}
		// WAL checkpoint; ignore errors if not supported.
		_, _ = c.exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		if opts.SkipIntegrity {
			return nil
		}
		var res string
		if err := c.scan(ctx, &res, "PRAGMA integrity_check"); err != nil {
			return fmt.Errorf("sqlite integrity_check failed: %w", err)
		}
		if res != "ok" {
			return fmt.Errorf("sqlite integrity_check failed: %s", res)
		}
	case Postgres:
		if _, err := c.Exec(ctx, "VACUUM ANALYZE"); err != nil {
			return fmt.Errorf("postgres vacuum failed: %w", err)
		}
	case MySQL:
		var tables []string
		if err := c.scan(ctx, &tables, "SHOW TABLES"); err != nil {
			return fmt.Errorf("mysql show tables failed: %w", err)
		}
		var lastErr error
		for _, table := range tables {
			if _, err := c.exec(ctx, "OPTIMIZE TABLE ?", bun.Ident(table)); err != nil {
				// Non-fatal per-table: remember last error and continue
				dbLogf("db: mysql optimize table %s failed: %v", table, err)
				lastErr = err
			}
		}
		if lastErr != nil {
			return fmt.Errorf("mysql optimize encountered errors: %w", lastErr)
		}
	default:
		return fmt.Errorf("unsupported db type for maintenance: %s", c.dialect)
	}
	return nil
}
