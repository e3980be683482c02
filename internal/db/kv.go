// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/toeirei/dbsession/internal/handle"
)

// KVModel maps the per-namespace key/value table created by migration 0002.
type KVModel struct {
	bun.BaseModel `bun:"table:dbsession_kv"`
	Key           string    `bun:"k,pk"`
	Value         string    `bun:"v,notnull"`
	UpdatedAt     time.Time `bun:"updated_at"`
}

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

func upsertStatement(d Dialect) string {
	if d == MySQL {
		return "INSERT INTO dbsession_kv (k, v, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)"
	}
	return "INSERT INTO dbsession_kv (k, v, updated_at) VALUES (?, ?, ?) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = EXCLUDED.updated_at"
}

// Put stores value under key, replacing any previous value.
func Put(ctx context.Context, conn handle.Conn, key, value string) error {
	c, err := asConn(conn)
	if err != nil {
		return err
	}
	if _, err := c.Exec(ctx, upsertStatement(c.dialect), key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Get loads the value stored under key.
func Get(ctx context.Context, conn handle.Conn, key string) (string, error) {
	c, err := asConn(conn)
	if err != nil {
		return "", err
	}
	var row KVModel
	err = c.Bun().NewSelect().Model(&row).Where("k = ?", key).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return "", Classify(fmt.Errorf("get %q: %w", key, err))
	}
	return row.Value, nil
}

// Delete removes key. Deleting a missing key is not an error.
func Delete(ctx context.Context, conn handle.Conn, key string) error {
	c, err := asConn(conn)
	if err != nil {
		return err
	}
	if _, err := c.Bun().NewDelete().Model((*KVModel)(nil)).Where("k = ?", key).Exec(ctx); err != nil {
		return Classify(fmt.Errorf("delete %q: %w", key, err))
	}
	return nil
}

// Count returns the number of stored keys.
func Count(ctx context.Context, conn handle.Conn) (int, error) {
	c, err := asConn(conn)
	if err != nil {
		return 0, err
	}
	n, err := c.Bun().NewSelect().Model((*KVModel)(nil)).Count(ctx)
	if err != nil {
		return 0, Classify(fmt.Errorf("count keys: %w", err))
	}
	return n, nil
}
