// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package factory

import "errors"

var (
	// ErrInvalidNamespace is returned for an empty or malformed namespace.
	ErrInvalidNamespace = errors.New("invalid namespace")
	// ErrInvalidQualifier is returned for an empty or malformed qualifier, or
	// for the base qualifier passed to a session entry point.
	ErrInvalidQualifier = errors.New("invalid qualifier")
	// ErrReentrantInit is returned when schema initialization code tries to
	// acquire a session in the namespace it is initializing.
	ErrReentrantInit = errors.New("re-entrant acquire during base initialization")
	// ErrLocked marks a transient backend lock. Openers wrap it; the factory
	// retries it.
	ErrLocked = errors.New("backend locked")
	// ErrBackendUnavailable is returned once lock retries are exhausted.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInitFailed is returned when the base handle failed to initialize.
	ErrInitFailed = errors.New("base initialization failed")
	// ErrSchemaTooNew is returned when the stored schema version is newer
	// than the migrator understands.
	ErrSchemaTooNew = errors.New("stored schema is newer than supported")
)

// IsTransient reports whether err is a backend lock worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLocked)
}
