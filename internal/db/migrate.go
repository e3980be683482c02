// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/toeirei/dbsession/internal/handle"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Migrator applies the embedded migrations of one dialect. Schema version N
// means the first N files (in name order) have been applied.
type Migrator struct {
	dialect Dialect
	files   []string
	fsys    fs.FS
}

// NewMigrator loads the migration list for d.
func NewMigrator(d Dialect) (*Migrator, error) {
	return newMigrator(embeddedMigrations, d)
}

func newMigrator(fsys fs.FS, d Dialect) (*Migrator, error) {
	dir := path.Join("migrations", string(d))
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read embedded migrations (%s): %w", dir, err)
	}
	var ups []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		ups = append(ups, path.Join(dir, e.Name()))
	}
	sort.Strings(ups)
	return &Migrator{dialect: d, files: ups, fsys: fsys}, nil
}

// TargetVersion is the number of known migrations.
func (m *Migrator) TargetVersion() int { return len(m.files) }

// Versions lists the migration names in apply order.
func (m *Migrator) Versions() []string {
	out := make([]string, len(m.files))
	for i, f := range m.files {
		out[i] = strings.TrimSuffix(path.Base(f), ".up.sql")
	}
	return out
}

// OnCreate applies every migration to a fresh database and records the
// namespace it belongs to.
func (m *Migrator) OnCreate(ctx context.Context, conn handle.Conn) error {
	c, err := asConn(conn)
	if err != nil {
		return err
	}
	if err := m.apply(ctx, c, 0, len(m.files)); err != nil {
		return err
	}
	if len(m.files) == 0 {
		return nil
	}
	_, err = c.Exec(ctx, "INSERT INTO dbsession_meta (id, namespace) VALUES (1, ?)", c.namespace)
	if err != nil {
		return fmt.Errorf("record namespace: %w", err)
	}
	return nil
}

// OnUpgrade applies migrations from+1 through to.
func (m *Migrator) OnUpgrade(ctx context.Context, conn handle.Conn, from, to int) error {
	c, err := asConn(conn)
	if err != nil {
		return err
	}
	if from < 0 || to > len(m.files) || from > to {
		return fmt.Errorf("invalid upgrade %d -> %d (known migrations: %d)", from, to, len(m.files))
	}
	return m.apply(ctx, c, from, to)
}

func (m *Migrator) apply(ctx context.Context, c *Conn, from, to int) error {
	for _, file := range m.files[from:to] {
		start := time.Now()
		data, err := fs.ReadFile(m.fsys, file)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		for _, stmt := range splitStatements(string(data)) {
			if _, err := c.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", file, err)
			}
		}
		dbLogf("db: applied %s to %s in %s", path.Base(file), c.namespace, time.Since(start))
	}
	return nil
}

// splitStatements splits a migration file on semicolons that end a line.
// Line comments are dropped.
func splitStatements(script string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSuffix(strings.TrimSpace(cur.String()), ";"); stmt != "" {
				out = append(out, stmt)
			}
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
