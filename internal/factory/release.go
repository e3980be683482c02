// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package factory

import (
	"fmt"

	"github.com/toeirei/dbsession/internal/registry"
)

// Release removes the session (namespace, qualifier) from the factory and
// drops the factory's reference to it. The session closes once every caller
// has released its own reference too. The result reports whether a session
// was removed.
func (f *Factory) Release(namespace, qualifier string) (bool, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return false, err
	}
	if err := ValidateQualifier(qualifier); err != nil {
		return false, err
	}
	if qualifier == namespace {
		return false, fmt.Errorf("%w: %q is the base qualifier of its namespace", ErrInvalidQualifier, qualifier)
	}
	reg := f.lookup(namespace)
	if reg == nil {
		return false, nil
	}
	return f.remove(reg, qualifier), nil
}

// ReleaseGroupInstance releases the session of one instance in a group.
func (f *Factory) ReleaseGroupInstance(namespace, group, instance string) (bool, error) {
	q, err := groupQualifier(group, instance)
	if err != nil {
		return false, err
	}
	return f.Release(namespace, q)
}

// ReleaseGroupConnections releases group-member sessions of namespace. With
// matchingOnly set it releases the members of group; otherwise it releases
// the members of every other group. Sessions outside any group are never
// touched.
func (f *Factory) ReleaseGroupConnections(namespace, group string, matchingOnly bool) bool {
	return f.sweep(namespace, func(q string) bool {
		g, ok := SplitGroup(q)
		if !ok {
			return false
		}
		return (g == group) == matchingOnly
	})
}

// ReleaseNonGroupNonInternal releases every plain session of namespace:
// group members, internal sessions and the base handle are kept.
func (f *Factory) ReleaseNonGroupNonInternal(namespace string) bool {
	return f.sweep(namespace, func(q string) bool {
		return !IsGroupMember(q) && !IsInternal(q)
	})
}

// ReleaseAllSessionConnections runs ReleaseNonGroupNonInternal over every
// namespace.
func (f *Factory) ReleaseAllSessionConnections() bool {
	released := false
	for _, ns := range f.Namespaces() {
		if f.ReleaseNonGroupNonInternal(ns) {
			released = true
		}
	}
	return released
}

// ReleaseAllForNamespace releases every session of namespace, the base
// handle last.
func (f *Factory) ReleaseAllForNamespace(namespace string) bool {
	released := f.sweep(namespace, func(string) bool { return true })
	if reg := f.lookup(namespace); reg != nil && f.removeIsolated(reg, namespace) {
		released = true
	}
	return released
}

// ReleaseEverything releases every session of every namespace.
func (f *Factory) ReleaseEverything() {
	for _, ns := range f.Namespaces() {
		f.ReleaseAllForNamespace(ns)
	}
}

// sweep releases each non-base qualifier of namespace selected by keep. One
// failing release is logged and does not stop the sweep.
func (f *Factory) sweep(namespace string, keep func(qualifier string) bool) bool {
	reg := f.lookup(namespace)
	if reg == nil {
		return false
	}
	released := false
	for _, q := range reg.SnapshotQualifiers() {
		if q == namespace || !keep(q) {
			continue
		}
		if f.removeIsolated(reg, q) {
			released = true
		}
	}
	return released
}

func (f *Factory) removeIsolated(reg *registry.Registry, qualifier string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error(reg.Namespace(), fmt.Sprintf("release of session %q failed: %v", qualifier, r))
			ok = false
		}
	}()
	return f.remove(reg, qualifier)
}

func (f *Factory) remove(reg *registry.Registry, qualifier string) bool {
	h := reg.Remove(qualifier)
	if h == nil {
		return false
	}
	h.Release()
	return true
}
