// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package registry_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toeirei/dbsession/internal/handle"
	"github.com/toeirei/dbsession/internal/logging"
	"github.com/toeirei/dbsession/internal/registry"
	"github.com/toeirei/dbsession/internal/testutil"
)

func newHandle(t *testing.T, op *testutil.FakeOpener, r *registry.Registry, q string) *handle.Handle {
	t.Helper()
	c, err := op.Open(context.Background(), r.Namespace(), q)
	require.NoError(t, err)
	return handle.New(r.Namespace(), q, c,
		handle.WithLogger(logging.Nop()),
		handle.WithOpLog(r.OpLog()),
		handle.Ready())
}

func TestSetOrAdoptWinnerAndLoser(t *testing.T) {
	op := testutil.NewFakeOpener()
	r := registry.New("survey")

	first := newHandle(t, op, r, "s1")
	assert.Nil(t, r.SetOrAdopt("s1", first))
	assert.Equal(t, 2, first.RefCount(), "creator plus map")

	second := newHandle(t, op, r, "s1")
	got := r.SetOrAdopt("s1", second)
	require.Same(t, first, got)
	assert.Equal(t, 3, first.RefCount())
	assert.Equal(t, 1, second.RefCount(), "loser candidate is left untouched")
	second.Release()
	assert.Equal(t, 1, op.Closes("survey", "s1"))
}

// TestSetOrAdoptRace verifies only one candidate ever lands in the map no
// matter how many goroutines race to insert.
func TestSetOrAdoptRace(t *testing.T) {
	op := testutil.NewFakeOpener()
	r := registry.New("survey")
	const n = 16

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cand := newHandle(t, op, r, "s1")
			if got := r.SetOrAdopt("s1", cand); got != nil {
				cand.Release()
				got.Release()
				return
			}
			mu.Lock()
			winners++
			mu.Unlock()
			cand.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, n, op.Opens("survey", "s1"))
	assert.Equal(t, n-1, op.Closes("survey", "s1"))
	h := r.GetExisting("s1")
	require.NotNil(t, h)
	assert.Equal(t, 2, h.RefCount())
	h.Release()
}

func TestGetExisting(t *testing.T) {
	op := testutil.NewFakeOpener()
	r := registry.New("survey")
	assert.Nil(t, r.GetExisting("s1"))

	h := newHandle(t, op, r, "s1")
	r.SetOrAdopt("s1", h)
	got := r.GetExisting("s1")
	require.Same(t, h, got)
	assert.Equal(t, 3, h.RefCount())
}

// TestRemoveIfCurrentIgnoresStaleGeneration checks that a caller holding an
// older generation cannot evict its replacement.
func TestRemoveIfCurrentIgnoresStaleGeneration(t *testing.T) {
	op := testutil.NewFakeOpener()
	r := registry.New("survey")

	old := newHandle(t, op, r, "s1")
	r.SetOrAdopt("s1", old)
	require.True(t, r.RemoveIfCurrent("s1", old))
	old.Release()
	assert.Equal(t, 1, r.PendingDestruction(), "creator reference still open")

	fresh := newHandle(t, op, r, "s1")
	r.SetOrAdopt("s1", fresh)
	assert.False(t, r.RemoveIfCurrent("s1", old))
	assert.Same(t, fresh, r.GetExisting("s1"))

	old.Release()
	assert.Zero(t, r.PendingDestruction())
	assert.Equal(t, 1, op.Closes("survey", "s1"))
}

func TestRemove(t *testing.T) {
	op := testutil.NewFakeOpener()
	r := registry.New("survey")
	assert.Nil(t, r.Remove("s1"))

	h := newHandle(t, op, r, "s1")
	r.SetOrAdopt("s1", h)
	h.Release()

	got := r.Remove("s1")
	require.Same(t, h, got)
	got.Release()
	assert.True(t, h.Closed())
	assert.Zero(t, r.Len())
}

func TestSnapshotQualifiersSorted(t *testing.T) {
	op := testutil.NewFakeOpener()
	r := registry.New("survey")
	for _, q := range []string{"plain", "h--1", "g--2", "g--1"} {
		h := newHandle(t, op, r, q)
		r.SetOrAdopt(q, h)
		h.Release()
	}

	snap := r.SnapshotQualifiers()
	assert.Equal(t, []string{"g--1", "g--2", "h--1", "plain"}, snap)

	snap[0] = "mutated"
	assert.Equal(t, "g--1", r.SnapshotQualifiers()[0])
}

func TestDump(t *testing.T) {
	op := testutil.NewFakeOpener()
	r := registry.New("survey")

	var b strings.Builder
	r.Dump(&b)
	assert.Contains(t, b.String(), "namespace: survey")
	assert.Contains(t, b.String(), "no sessions")

	h := newHandle(t, op, r, "s1")
	r.SetOrAdopt("s1", h)
	gone := newHandle(t, op, r, "s2")
	r.SetOrAdopt("s2", gone)
	require.True(t, r.RemoveIfCurrent("s2", gone))
	gone.Release()

	b.Reset()
	r.Dump(&b)
	out := b.String()
	assert.Contains(t, out, "active sessions (1):")
	assert.Contains(t, out, "s1 generation=")
	assert.Contains(t, out, "refCount=2")
	assert.Contains(t, out, "pending destruction (1):")
	assert.Contains(t, out, "s2 generation=")
}
