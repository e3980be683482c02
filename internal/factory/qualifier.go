// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package factory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// GroupDivider separates a group id from an instance id. The group is
	// everything before the last occurrence.
	GroupDivider = "--"
	// InternalSuffix marks qualifiers owned by trusted internal callers.
	InternalSuffix = "-internal"
)

// GroupQualifier builds the qualifier of one instance in a group.
func GroupQualifier(group, instance string) string {
	return group + GroupDivider + instance
}

// SplitGroup returns the group id of a group-member qualifier.
func SplitGroup(qualifier string) (group string, ok bool) {
	i := strings.LastIndex(qualifier, GroupDivider)
	if i < 0 {
		return "", false
	}
	return qualifier[:i], true
}

// IsGroupMember reports whether qualifier contains the group divider.
func IsGroupMember(qualifier string) bool {
	return strings.Contains(qualifier, GroupDivider)
}

// IsInternal reports whether qualifier carries the internal suffix.
func IsInternal(qualifier string) bool {
	return strings.HasSuffix(qualifier, InternalSuffix)
}

// NewOpaqueQualifier returns a random qualifier for callers without a
// natural one.
func NewOpaqueQualifier() string {
	return uuid.NewString()
}

// NewInternalQualifier returns a random qualifier exempt from user-session
// sweeps.
func NewInternalQualifier() string {
	return uuid.NewString() + InternalSuffix
}

// ValidateNamespace accepts letters, digits, '.', '_' and '-'. A namespace
// names a directory for file backends, so path separators and dot-only
// names are refused.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNamespace)
	}
	if namespace == "." || namespace == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	for _, r := range namespace {
		if !validRune(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidNamespace, namespace, r)
		}
	}
	return nil
}

// ValidateQualifier rejects empty qualifiers and control characters.
func ValidateQualifier(qualifier string) error {
	if strings.TrimSpace(qualifier) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidQualifier)
	}
	for _, r := range qualifier {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidQualifier, qualifier)
		}
	}
	return nil
}

func validRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}
