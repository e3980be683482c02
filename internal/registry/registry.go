// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package registry holds the per-namespace map of qualifier to session
// handle. The map owns one reference on every handle it stores; callers get
// their own reference from SetOrAdopt and GetExisting.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/toeirei/dbsession/internal/handle"
	"github.com/toeirei/dbsession/internal/oplog"
)

// Registry is safe for concurrent use. Its mutex is never held while a
// handle performs backend I/O.
type Registry struct {
	namespace string
	ops       *oplog.Log

	mu      sync.Mutex
	handles map[string]*handle.Handle
	pending []*handle.Handle
}

// New returns an empty registry for namespace.
func New(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		ops:       oplog.New(namespace),
		handles:   map[string]*handle.Handle{},
	}
}

// Namespace returns the namespace this registry serves.
func (r *Registry) Namespace() string { return r.namespace }

// OpLog returns the namespace operation log. Handles created for this
// namespace should record into it.
func (r *Registry) OpLog() *oplog.Log { return r.ops }

// SetOrAdopt inserts candidate under qualifier if no entry exists and
// returns nil: the map takes its own reference and the caller keeps the
// candidate's. If an entry already exists, candidate is left untouched and
// the existing handle is returned with a reference added for the caller.
func (r *Registry) SetOrAdopt(qualifier string, candidate *handle.Handle) *handle.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handles[qualifier]; ok {
		return existing.Acquire()
	}
	r.handles[qualifier] = candidate.Acquire()
	return nil
}

// GetExisting returns the handle stored under qualifier with a reference
// added for the caller, or nil.
func (r *Registry) GetExisting(qualifier string) *handle.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[qualifier]; ok {
		return h.Acquire()
	}
	return nil
}

// RemoveIfCurrent drops the entry for qualifier only if it is still h, so a
// newer generation is never evicted by a stale caller. It reports whether the
// entry was removed, in which case the caller must release the reference the
// map held. Removed handles are tracked until they close so dumps can show
// sessions that outlived their map entry.
func (r *Registry) RemoveIfCurrent(qualifier string, h *handle.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.handles[qualifier]
	if !ok || current != h {
		return false
	}
	delete(r.handles, qualifier)
	r.pending = append(r.pending, h)
	r.prunePendingLocked()
	if len(r.handles) == 0 {
		r.ops.Clear()
	}
	return true
}

// Remove drops the entry for qualifier regardless of generation and returns
// the removed handle, whose map reference now belongs to the caller.
func (r *Registry) Remove(qualifier string) *handle.Handle {
	r.mu.Lock()
	h, ok := r.handles[qualifier]
	r.mu.Unlock()
	if !ok || !r.RemoveIfCurrent(qualifier, h) {
		return nil
	}
	return h
}

// SnapshotQualifiers returns the current qualifiers in sorted order. The
// slice is a copy; entries may be added or removed while the caller scans it.
func (r *Registry) SnapshotQualifiers() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.handles))
	for q := range r.handles {
		out = append(out, q)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// PendingDestruction returns how many removed handles are still open.
func (r *Registry) PendingDestruction() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prunePendingLocked()
	return len(r.pending)
}

func (r *Registry) prunePendingLocked() {
	kept := r.pending[:0]
	for _, h := range r.pending {
		if !h.Closed() {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(r.pending); i++ {
		r.pending[i] = nil
	}
	r.pending = kept
}

// Dump writes the operation log, the active handles and the handles pending
// destruction to b.
func (r *Registry) Dump(b *strings.Builder) {
	r.mu.Lock()
	r.prunePendingLocked()
	active := make([]handle.Snapshot, 0, len(r.handles))
	for _, h := range r.handles {
		active = append(active, h.Snapshot())
	}
	pending := make([]handle.Snapshot, 0, len(r.pending))
	for _, h := range r.pending {
		pending = append(pending, h.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(active, func(i, j int) bool { return active[i].Qualifier < active[j].Qualifier })
	sort.Slice(pending, func(i, j int) bool { return pending[i].Qualifier < pending[j].Qualifier })

	fmt.Fprintf(b, "namespace: %s\n", r.namespace)
	r.ops.Dump(b)
	if len(active) == 0 && len(pending) == 0 {
		b.WriteString("no sessions\n")
		return
	}
	if len(active) > 0 {
		fmt.Fprintf(b, "active sessions (%d):\n", len(active))
		for _, s := range active {
			b.WriteString("  ")
			b.WriteString(s.String())
			b.WriteByte('\n')
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(b, "pending destruction (%d):\n", len(pending))
		for _, s := range pending {
			b.WriteString("  ")
			b.WriteString(s.String())
			b.WriteByte('\n')
		}
	}
}
