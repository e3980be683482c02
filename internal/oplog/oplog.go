// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package oplog keeps a short, bounded history of the operations performed
// against the sessions of one namespace. It exists purely for diagnostic
// dumps: nothing in the registry makes decisions based on its contents.
//
// Each Begin returns a cookie that encodes the ring slot and a generation
// counter, so a late End or Fail for an entry that has since been recycled
// is silently dropped instead of corrupting a newer record.
package oplog

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	maxRecent        = 60
	generationShift  = 8
	cookieIndexMask  = 0xff
	timestampLayout  = "2006-01-02 15:04:05.000"
	maxDumpedEntries = 20
)

// Entry is one recorded operation.
type Entry struct {
	Cookie    int
	Qualifier string
	Kind      string
	Start     time.Time
	End       time.Time
	Finished  bool
	Err       error
}

// Log is safe for concurrent use. All methods tolerate a nil receiver.
type Log struct {
	namespace string

	mu         sync.Mutex
	entries    [maxRecent]*Entry
	index      int
	generation int
	opens      int
	closes     int
}

// New returns an empty log for namespace.
func New(namespace string) *Log {
	return &Log{namespace: namespace, index: -1}
}

// Namespace returns the namespace the log belongs to.
func (l *Log) Namespace() string {
	if l == nil {
		return ""
	}
	return l.namespace
}

// Begin records the start of an operation and returns its cookie.
func (l *Log) Begin(qualifier, kind string) int {
	if l == nil {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.index = (l.index + 1) % maxRecent
	l.generation++
	cookie := l.generation<<generationShift | l.index
	l.entries[l.index] = &Entry{
		Cookie:    cookie,
		Qualifier: qualifier,
		Kind:      kind,
		Start:     time.Now(),
	}
	return cookie
}

// End marks the operation identified by cookie as finished.
func (l *Log) End(cookie int) {
	l.finish(cookie, nil)
}

// Fail marks the operation identified by cookie as finished with err.
func (l *Log) Fail(cookie int, err error) {
	l.finish(cookie, err)
}

func (l *Log) finish(cookie int, err error) {
	if l == nil || cookie < 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[cookie&cookieIndexMask]
	if e == nil || e.Cookie != cookie || e.Finished {
		return
	}
	e.End = time.Now()
	e.Finished = true
	e.Err = err
}

// TickOpen counts one physical open.
func (l *Log) TickOpen() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.opens++
	l.mu.Unlock()
}

// TickClose counts one physical close.
func (l *Log) TickClose() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
}

// Counts returns the number of physical opens and closes recorded so far.
func (l *Log) Counts() (opens, closes int) {
	if l == nil {
		return 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens, l.closes
}

// Clear drops the recorded operations. Open/close tallies are kept.
func (l *Log) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = [maxRecent]*Entry{}
	l.index = -1
}

// Recent returns copies of the recorded entries, newest first.
func (l *Log) Recent() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, maxRecent)
	if l.index < 0 {
		return out
	}
	for i := 0; i < maxRecent; i++ {
		e := l.entries[(l.index-i+maxRecent)%maxRecent]
		if e == nil {
			break
		}
		out = append(out, *e)
	}
	return out
}

// Dump writes the tallies and the most recent operations to b.
func (l *Log) Dump(b *strings.Builder) {
	if l == nil {
		return
	}
	opens, closes := l.Counts()
	fmt.Fprintf(b, "opens %d closes %d\n", opens, closes)
	recent := l.Recent()
	if len(recent) == 0 {
		b.WriteString("no recent operations\n")
		return
	}
	b.WriteString("recent operations:\n")
	for i, e := range recent {
		if i == maxDumpedEntries {
			fmt.Fprintf(b, "  ... %d older\n", len(recent)-i)
			break
		}
		b.WriteString("  ")
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
}

// String renders the entry on one line.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d: [%s] %s %s", e.Cookie, e.Start.Format(timestampLayout), e.Qualifier, e.Kind)
	switch {
	case !e.Finished:
		b.WriteString(" running")
	case e.Err != nil:
		fmt.Fprintf(&b, " failed after %s: %v", e.End.Sub(e.Start), e.Err)
	default:
		fmt.Fprintf(&b, " took %s", e.End.Sub(e.Start))
	}
	return b.String()
}
