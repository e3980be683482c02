// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package db is the SQL backend behind session handles.
//
// Opener implements the factory's backend opener: every session gets its own
// single-connection pool, so the statements of one session (including its
// transactions) always run on the same physical connection. SQLite
// (modernc), PostgreSQL (pgx) and MySQL are supported; queries go through
// Bun with the matching dialect.
//
// Migrator implements the schema migrator from SQL files embedded under
// migrations/<dialect>. The schema version is the number of applied files:
// SQLite keeps it in PRAGMA user_version, the other engines in a one-row
// dbsession_schema_version table.
//
// Testing notes
//   - Integration tests use file-backed SQLite databases under t.TempDir().
//   - Driver errors are classified by Classify; transient locks wrap
//     factory.ErrLocked so the factory retries them.
package db
