// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/toeirei/dbsession/internal/factory"
)

// ErrDuplicate is returned when attempting to insert a record that already exists.
var ErrDuplicate = errors.New("duplicate record")

// PostgreSQL SQLSTATE codes that signal lock contention.
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// MySQL error numbers that signal lock contention or duplicates.
const (
	myLockWaitTimeout = 1205
	myDeadlock        = 1213
	myDuplicateEntry  = 1062
)

// Classify maps driver errors onto the errors the rest of the module
// understands: lock contention wraps factory.ErrLocked and unique-constraint
// violations become ErrDuplicate. Anything else is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, factory.ErrLocked) || errors.Is(err, ErrDuplicate) {
		return err
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", factory.ErrLocked, err)
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(strings.ToLower(se.Error()), "unique") {
				return fmt.Errorf("%w: %w", ErrDuplicate, err)
			}
		}
		return err
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", factory.ErrLocked, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return err
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case myLockWaitTimeout, myDeadlock:
			return fmt.Errorf("%w: %w", factory.ErrLocked, err)
		case myDuplicateEntry:
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return err
	}

	// Some wrappers flatten driver errors to text; fall back to the messages
	// the engines use.
	le := strings.ToLower(err.Error())
	switch {
	case strings.Contains(le, "database is locked"), strings.Contains(le, "database table is locked"):
		return fmt.Errorf("%w: %w", factory.ErrLocked, err)
	case strings.Contains(le, "duplicate") || strings.Contains(le, "unique constraint"):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	}
	return err
}
