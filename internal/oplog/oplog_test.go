// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package oplog

import (
	"errors"
	"strings"
	"testing"
)

func TestBeginEndFail(t *testing.T) {
	l := New("survey")
	c1 := l.Begin("s1", "open")
	c2 := l.Begin("s2", "close")
	l.End(c1)
	l.Fail(c2, errors.New("disk full"))

	recent := l.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	// newest first
	if recent[0].Qualifier != "s2" || !recent[0].Finished {
		t.Fatalf("unexpected newest entry: %+v", recent[0])
	}
	if recent[0].Err == nil || recent[0].Err.Error() != "disk full" {
		t.Fatalf("expected disk full error, got %v", recent[0].Err)
	}
	if recent[1].Qualifier != "s1" || recent[1].Err != nil {
		t.Fatalf("unexpected older entry: %+v", recent[1])
	}
}

// TestRingRecyclesSlots verifies the log never grows past its bound and that
// finishing a recycled cookie does not touch the newer entry in that slot.
func TestRingRecyclesSlots(t *testing.T) {
	l := New("survey")
	first := l.Begin("old", "open")
	for i := 0; i < maxRecent; i++ {
		l.Begin("new", "op")
	}
	if got := len(l.Recent()); got != maxRecent {
		t.Fatalf("expected %d entries, got %d", maxRecent, got)
	}

	l.Fail(first, errors.New("late"))
	for _, e := range l.Recent() {
		if e.Qualifier == "old" {
			t.Fatalf("recycled entry still present: %+v", e)
		}
		if e.Finished {
			t.Fatalf("stale cookie finished a newer entry: %+v", e)
		}
	}
}

func TestTalliesSurviveClear(t *testing.T) {
	l := New("survey")
	l.TickOpen()
	l.TickOpen()
	l.TickClose()
	l.Begin("s1", "open")
	l.Clear()

	opens, closes := l.Counts()
	if opens != 2 || closes != 1 {
		t.Fatalf("expected 2 opens and 1 close, got %d/%d", opens, closes)
	}
	if n := len(l.Recent()); n != 0 {
		t.Fatalf("expected no entries after Clear, got %d", n)
	}
}

func TestDump(t *testing.T) {
	l := New("survey")
	l.TickOpen()
	c := l.Begin("s1", "acquire")
	l.End(c)
	l.Begin("s2", "initialize")

	var b strings.Builder
	l.Dump(&b)
	out := b.String()
	for _, want := range []string{"opens 1 closes 0", "s1 acquire took", "s2 initialize running"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q; got: %s", want, out)
		}
	}
}

func TestNilLogIsInert(t *testing.T) {
	var l *Log
	c := l.Begin("q", "op")
	l.End(c)
	l.TickOpen()
	l.Clear()
	var b strings.Builder
	l.Dump(&b)
	if b.Len() != 0 {
		t.Fatalf("expected empty dump, got: %s", b.String())
	}
	if l.Recent() != nil {
		t.Fatalf("expected nil entries from a nil log")
	}
}
